// Package main provides the graft CLI entry point: a thin cobra wrapper
// (modeled on cmd/nornicdb/main.go's rootCmd/AddCommand/RunE shape) that
// marshals flags into pkg/repo calls. It owns no graph or patch logic
// of its own.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/graft-vcs/graft/pkg/config"
	"github.com/graft-vcs/graft/pkg/container"
	"github.com/graft-vcs/graft/pkg/model"
	"github.com/graft-vcs/graft/pkg/output"
	"github.com/graft-vcs/graft/pkg/repo"
)

// ErrNotImplemented is returned by CLI stubs for collaborator concerns
// spec.md places out of core scope: signing and authenticated remote
// transport (see SPEC_FULL.md's DOMAIN STACK note on cmd/graft).
var ErrNotImplemented = errors.New("graft: not implemented")

var version = "0.1.0"

func main() {
	var repoPath string

	rootCmd := &cobra.Command{
		Use:   "graft",
		Short: "graft - a patch-based version control core",
		Long: `graft tracks a working copy as a content graph of commutative
patches, with first-class conflict representation instead of merge
conflicts that block progress.`,
	}
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "repository root")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graft v%s\n", version)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a new repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := repoPath
			if len(args) == 1 {
				root = args[0]
			}
			cfg := config.LoadFromEnv()
			r, err := repo.InitRepository(root, cfg.KVOptions())
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Printf("Initialized empty repository in %s\n", filepath.Join(root, ".graft"))
			return nil
		},
	}
	rootCmd.AddCommand(initCmd)

	var addDir bool
	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Track a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				return t.AddFile(args[0], addDir)
			})
		},
	}
	addCmd.Flags().BoolVar(&addDir, "dir", false, "path is a directory")
	rootCmd.AddCommand(addCmd)

	rmCmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Stop tracking a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				return t.RemoveFile(args[0])
			})
		},
	}
	rootCmd.AddCommand(rmCmd)

	var mvDir bool
	mvCmd := &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move or rename a tracked file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				return t.MoveFile(args[0], args[1], mvDir)
			})
		},
	}
	mvCmd.Flags().BoolVar(&mvDir, "dir", false, "path is a directory")
	rootCmd.AddCommand(mvCmd)

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List tracked paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				files, err := t.ListFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			})
		},
	}
	rootCmd.AddCommand(lsCmd)

	var recordBranch, recordName, recordDesc, recordAuthor string
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record a patch from the working copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				cfg, err := config.Load(repoPath)
				if err != nil {
					return err
				}
				author := recordAuthor
				if author == "" {
					author = cfg.Author
				}
				wc := repo.OSWorkingCopy{Root: repoPath}
				changes, updates, err := t.Record(recordBranch, wc)
				if err != nil {
					return err
				}
				if len(changes) == 0 {
					fmt.Println("nothing to record")
					return nil
				}
				meta := repo.PatchMeta{
					Name:        recordName,
					Description: recordDesc,
					Timestamp:   time.Now().Unix(),
				}
				if author != "" {
					meta.Authors = []string{author}
				}
				ext, err := t.ApplyLocalPatch(recordBranch, meta, changes, updates)
				if err != nil {
					return err
				}
				fmt.Printf("recorded patch %s\n", ext)
				return nil
			})
		},
	}
	recordCmd.Flags().StringVar(&recordBranch, "branch", "main", "branch to record onto")
	recordCmd.Flags().StringVar(&recordName, "name", "", "patch name")
	recordCmd.Flags().StringVar(&recordDesc, "description", "", "patch description")
	recordCmd.Flags().StringVar(&recordAuthor, "author", "", "patch author (overrides config)")
	rootCmd.AddCommand(recordCmd)

	var pullBranch string
	pullCmd := &cobra.Command{
		Use:   "pull <remote-path>",
		Short: "Pull and apply patches from another repository directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(repoPath, args[0], pullBranch)
		},
	}
	pullCmd.Flags().StringVar(&pullBranch, "branch", "main", "branch to pull")
	rootCmd.AddCommand(pullCmd)

	var logBranch string
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List patches applied to a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMutTxn(repoPath, func(t *repo.MutTxn) error {
				hashes, err := t.AppliedPatches(logBranch)
				if err != nil {
					return err
				}
				for _, h := range hashes {
					fmt.Println(h)
				}
				return nil
			})
		},
	}
	logCmd.Flags().StringVar(&logBranch, "branch", "main", "branch to list")
	rootCmd.AddCommand(logCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Authenticate against a remote (not implemented)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ErrNotImplemented
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// withMutTxn opens root, runs fn inside its one mutable transaction, and
// commits on success or aborts on error (spec §5's single-writer model).
func withMutTxn(root string, fn func(t *repo.MutTxn) error) error {
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	r, err := repo.OpenRepository(root, cfg.KVOptions())
	if err != nil {
		return err
	}
	defer r.Close()

	t, err := r.MutTxnBegin()
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		repo.Abort(t)
		return err
	}
	return repo.Commit(t)
}

// runPull copies patch files graft is missing from remoteRoot's patches
// directory (graft has no networked transport, per spec.md's explicit
// Non-goals: "remote" here is simply another repository directory) and
// then applies the resulting remote \ local difference.
func runPull(localRoot, remoteRoot, branch string) error {
	remoteCfg, err := config.Load(remoteRoot)
	if err != nil {
		return err
	}
	remote, err := repo.OpenRepository(remoteRoot, remoteCfg.KVOptions())
	if err != nil {
		return err
	}
	defer remote.Close()

	remoteTxn, err := remote.MutTxnBegin()
	if err != nil {
		return err
	}
	remoteHashes, err := remoteTxn.AppliedPatches(branch)
	repo.Abort(remoteTxn)
	if err != nil {
		return err
	}

	return withMutTxn(localRoot, func(t *repo.MutTxn) error {
		localHashes, err := t.AppliedPatches(branch)
		if err != nil {
			return err
		}
		local := make(map[string]bool, len(localHashes))
		for _, h := range localHashes {
			local[h.String()] = true
		}
		pulled := 0
		for _, h := range remoteHashes {
			if local[h.String()] {
				continue
			}
			if err := copyPatchFile(remoteRoot, localRoot, h); err != nil {
				return err
			}
			pulled++
		}
		if err := t.ApplyPatches(branch, output.OSFS{Root: localRoot}, remoteHashes, localHashes); err != nil {
			return err
		}
		fmt.Printf("pulled %d patch(es) from %s\n", pulled, remoteRoot)
		return nil
	})
}

func copyPatchFile(srcRoot, dstRoot string, hash model.ExternalHash) error {
	name := container.Filename(hash)
	src, err := os.Open(filepath.Join(srcRoot, ".graft", "patches", name))
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := filepath.Join(dstRoot, ".graft", "patches", name)
	if _, err := os.Stat(dstPath); err == nil {
		return nil // already present locally
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotARepository):
		return 2
	case errors.Is(err, repo.ErrFileNotInRepo):
		return 3
	case errors.Is(err, repo.ErrInvalidPath):
		return 4
	case errors.Is(err, ErrNotImplemented):
		return 5
	default:
		return 1
	}
}
