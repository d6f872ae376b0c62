package main

import (
	"context"
	"flag"
	"os"

	"grimm.is/hostguard/cmd"
	"grimm.is/hostguard/internal/brand"
	"grimm.is/hostguard/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		runFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		verbose := runFlags.Bool("v", false, "Debug logging")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "%s failed: %v\n", brand.Name, err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		checkFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		plan := checkFlags.String("plan", "", "Print the rule plan for a VPN zone")
		checkFlags.Parse(os.Args[2:])

		if len(checkFlags.Args()) > 0 {
			*configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(*configFile, *plan, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "recover":
		recoverFlags := flag.NewFlagSet("recover", flag.ExitOnError)
		configFile := recoverFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		recoverFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		recoverFlags.Parse(os.Args[2:])

		if err := cmd.RunRecover(context.Background(), *configFile, nil, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Recover failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf("%s - %s\n\n", brand.Name, brand.Description)
	printer.Printf("Usage:\n")
	printer.Printf("  %s run [-config file] [-v]           Run the daemon in the foreground\n", brand.BinaryName)
	printer.Printf("  %s check [-config file] [-plan zone] Validate configuration\n", brand.BinaryName)
	printer.Printf("  %s recover [-config file]            Remove rules left by a crashed run\n", brand.BinaryName)
	printer.Printf("  %s version                           Print version\n", brand.BinaryName)
}
