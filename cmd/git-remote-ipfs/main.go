// git-remote-ipfs is a git remote helper for ipfs:// URLs. git execs it with
// the remote name and URL as arguments and speaks the remote-helper protocol
// over stdin/stdout; everything user-facing goes to stderr.
package main

import (
	"fmt"
	"os"

	golog "github.com/ipfs/go-log"
	"github.com/spf13/cobra"

	"github.com/distri-group/Git-IPFS-Remote-Bridge/bridge"
	"github.com/distri-group/Git-IPFS-Remote-Bridge/gitcmd"
	"github.com/distri-group/Git-IPFS-Remote-Bridge/ipfs"
)

var log = golog.Logger("git-remote-ipfs")

func main() {
	root := &cobra.Command{
		Use:           "git-remote-ipfs <remote-name> <remote-url>",
		Short:         "git remote helper bridging ipfs:// remotes to an IPFS daemon",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(remoteName, remoteURL string) error {
	bridge.SetVerbosity(1)

	git, err := gitcmd.New()
	if err != nil {
		return err
	}

	cfg, err := ipfs.LoadConfig(git.GitDir())
	if err != nil {
		return err
	}

	client := ipfs.NewClient(cfg)
	version, err := client.Version()
	if err != nil {
		return fmt.Errorf("IPFS daemon is not reachable: %v", err)
	}
	log.Debugf("connected to IPFS daemon %s (%s)", version.Version, version.Commit)

	remote, err := bridge.NewRemote(remoteName, remoteURL, client, git, cfg)
	if err != nil {
		return err
	}
	remote.Discover()

	return bridge.NewDriver(remote, os.Stdin, os.Stdout).Run()
}
