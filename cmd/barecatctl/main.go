// Command barecatctl is a thin, illustrative entrypoint exercising Store
// end to end (create, add, list, verify). It is NOT the full CLI surface
// described in spec §1 "OUT OF SCOPE" — that surface (rsync-syntax client,
// progress bars, shell completion, FUSE, codec registry) lives outside
// this module. This mirrors the teacher's cmd/ layout convention with a
// much smaller binary, since the full `ais`/`aisloader`/`cli` commands it
// is grounded on are themselves out of this spec's scope.
package main

import (
	"fmt"
	"os"

	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/maintenance"
	"github.com/isarandi/barecat/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `barecatctl - smoke-test driver for the barecat storage engine

usage:
  barecatctl create   <archive> [shard-size-limit]
  barecatctl add      <archive> <path> <local-file>
  barecatctl addtree   <archive> <store-path> <local-dir>
  barecatctl cat       <archive> <path>
  barecatctl ls        <archive> <dir>
  barecatctl rm        <archive> <path>
  barecatctl verify    <archive>
  barecatctl defrag    <archive>
  barecatctl reshard   <archive> <new-shard-size-limit>
  barecatctl gapstats  <archive>`)
}

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	cmd, archive := os.Args[1], os.Args[2]
	if err := run(cmd, archive, os.Args[3:]); err != nil {
		blog.Errorf("%s: %v", cmd, err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd, archive string, rest []string) error {
	switch cmd {
	case "create":
		limit := cos.ShardSizeUnlimited
		if len(rest) > 0 {
			l, err := cos.ParseSize(rest[0])
			if err != nil {
				return err
			}
			limit = l
		}
		s, err := store.Open(archive, store.OpenOptions{
			Mode:           cos.ReadWrite,
			ShardSizeLimit: limit,
			UseTriggers:    true,
		})
		if err != nil {
			return err
		}
		return s.Close()

	case "add":
		if len(rest) != 2 {
			usage()
			os.Exit(2)
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadWrite})
		if err != nil {
			return err
		}
		defer s.Close()
		data, err := os.ReadFile(rest[1])
		if err != nil {
			return err
		}
		if err := s.AddBytes(rest[0], data, store.AddOptions{}); err != nil {
			return err
		}
		fmt.Printf("added %s (%d bytes)\n", rest[0], len(data))
		return nil

	case "addtree":
		if len(rest) != 2 {
			usage()
			os.Exit(2)
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadWrite})
		if err != nil {
			return err
		}
		defer s.Close()
		return s.AddTree(rest[1], rest[0], store.AddTreeOptions{PreserveMetadata: true})

	case "cat":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadOnly})
		if err != nil {
			return err
		}
		defer s.Close()
		data, err := s.Read(rest[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err

	case "ls":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadOnly})
		if err != nil {
			return err
		}
		defer s.Close()
		subdirs, files, err := s.Listdir(rest[0])
		if err != nil {
			return err
		}
		for _, d := range subdirs {
			fmt.Printf("%s/\n", d.Path)
		}
		for _, f := range files {
			fmt.Printf("%s\t%d\n", f.Path, f.Size)
		}
		return nil

	case "rm":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadWrite})
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Remove(rest[0])

	case "verify":
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadOnly})
		if err != nil {
			return err
		}
		defer s.Close()
		report, err := s.VerifyIntegrity(false)
		if err != nil {
			return err
		}
		fmt.Println(report.VerifyReport.String())
		if !report.OK() {
			os.Exit(1)
		}
		return nil

	case "defrag":
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadWrite})
		if err != nil {
			return err
		}
		defer s.Close()
		rep, err := maintenance.Defrag(s)
		if err != nil {
			return err
		}
		fmt.Printf("defrag: reclaimed %d bytes\n", rep.BytesReclaimed)
		return nil

	case "reshard":
		if len(rest) != 1 {
			usage()
			os.Exit(2)
		}
		limit, err := cos.ParseSize(rest[0])
		if err != nil {
			return err
		}
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadWrite})
		if err != nil {
			return err
		}
		defer s.Close()
		_, err = maintenance.Reshard(s, limit)
		return err

	case "gapstats":
		s, err := store.Open(archive, store.OpenOptions{Mode: cos.ReadOnly})
		if err != nil {
			return err
		}
		defer s.Close()
		stats, err := maintenance.GetGapStats(s)
		if err != nil {
			return err
		}
		j, err := stats.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(j))
		return nil

	default:
		usage()
		os.Exit(2)
		return nil
	}
}
