package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/koracle-dev/koracle/internal/build"
	"github.com/koracle-dev/koracle/persist"
	"lukechampine.com/flagg"
	"lukechampine.com/frand"
)

// Default config values.
var defaultConfig = persist.KODConfig{
	Config: persist.ConfigFields{
		APIAddr:   ":8080",
		Dir:       ".",
		DBName:    "koracle.db",
		BackupDir: "backups",
	},
}

var config persist.KODConfig
var configDir string

var (
	rootUsage = `Usage:
    kod [flags] [action]

Run 'kod' with no arguments to start the oracle daemon.

Actions:
    version     print kod version
    keygen      generate a secret key
`
	versionUsage = `Usage:
    kod version

Prints the version of the kod binary.
`
	keygenUsage = `Usage:
    kod keygen

Generates a random secret suitable for ADMIN_KEY or a webhook secret.
`
)

func main() {
	log.SetFlags(0)

	// Load config file if it exists. Otherwise load the defaults.
	configDir = os.Getenv("KOD_CONFIG_DIR")
	if configDir != "" {
		log.Println("Using KOD_CONFIG_DIR environment variable to load config.")
	}
	ok, err := config.Load(configDir)
	if err != nil {
		log.Fatalln("Could not load config file")
	}
	if !ok {
		config = defaultConfig
	}

	var apiAddr, dir, dbName, backupDir string

	rootCmd := flagg.Root
	rootCmd.Usage = flagg.SimpleUsage(rootCmd, rootUsage)
	rootCmd.StringVar(&apiAddr, "api-addr", "", "address to serve API on")
	rootCmd.StringVar(&dir, "dir", "", "directory to store oracle state in")
	rootCmd.StringVar(&dbName, "db-name", "", "name of the database file")
	rootCmd.StringVar(&backupDir, "backup-dir", "", "directory to store backups in")
	versionCmd := flagg.New("version", versionUsage)
	keygenCmd := flagg.New("keygen", keygenUsage)

	cmd := flagg.Parse(flagg.Tree{
		Cmd: rootCmd,
		Sub: []flagg.Tree{
			{Cmd: versionCmd},
			{Cmd: keygenCmd},
		},
	})

	switch cmd {
	case rootCmd:
		if len(cmd.Args()) != 0 {
			cmd.Usage()
			return
		}

		// Parse command line flags. If set, they override the loaded config.
		if apiAddr != "" {
			config.Config.APIAddr = apiAddr
		}
		if dir != "" {
			config.Config.Dir = dir
		}
		if dbName != "" {
			config.Config.DBName = dbName
		}
		if backupDir != "" {
			config.Config.BackupDir = backupDir
		}

		// Save the configuration.
		err = config.Save(configDir)
		if err != nil {
			log.Fatalln("Unable to save config file")
		}

		cfg := persist.Config{
			APIAddr:   config.Config.APIAddr,
			Dir:       config.Config.Dir,
			DBName:    config.Config.DBName,
			BackupDir: config.Config.BackupDir,
		}
		if err := cfg.LoadEnv(); err != nil {
			log.Fatalln(err)
		}
		if cfg.Port != "" {
			cfg.APIAddr = ":" + cfg.Port
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalln(err)
		}

		// Create the directory if it does not yet exist.
		// This also checks if the provided directory parameter is valid.
		err = os.MkdirAll(cfg.Dir, 0700)
		if err != nil {
			log.Fatalf("Provided parameter is invalid: %v\n", cfg.Dir)
		}

		// Start kod. startDaemon will only return when it is shutting down.
		err = startDaemon(&cfg)
		if err != nil {
			log.Fatalln(err)
		}

		// Daemon seems to have closed cleanly. Print a 'closed' message.
		log.Println("Shutdown complete.")

	case versionCmd:
		if len(cmd.Args()) != 0 {
			cmd.Usage()
			return
		}
		fmt.Printf("%s v%v\n", build.NodeBinaryName, build.NodeVersion)
		if build.GitRevision != "" {
			fmt.Println("Git Revision " + build.GitRevision)
		}

	case keygenCmd:
		if len(cmd.Args()) != 0 {
			cmd.Usage()
			return
		}
		fmt.Println(hex.EncodeToString(frand.Bytes(32)))
	}
}
