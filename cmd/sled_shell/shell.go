package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Crixalis2013/sled/core/db"
	"github.com/Crixalis2013/sled/core/tree"
)

var errExit = errors.New("exit")

const helpText = `Commands:
  put <key> <value>
  get <key>
  delete <key>
  scan [start] [end]
  len
  use <tree>        switch the current tree
  trees
  flush
  compact
  checkpoint <dir>
  size
  stats
  help
  exit / quit`

// shell runs commands against one open database.
type shell struct {
	db      *db.Db
	current *tree.Tree
	out     io.Writer
}

func newShell(d *db.Db, out io.Writer) *shell {
	return &shell{db: d, current: d.Tree, out: out}
}

func (s *shell) prompt() string {
	return fmt.Sprintf("sled[%s]> ", s.current.ID)
}

// exec runs one command line. It returns errExit for exit and quit.
func (s *shell) exec(args []string) error {
	if len(args) == 0 {
		return nil
	}
	t := s.current
	switch strings.ToLower(args[0]) {
	case "put", "set":
		if len(args) < 3 {
			return errors.New("put requires a key and a value")
		}
		old, err := t.Insert([]byte(args[1]), []byte(strings.Join(args[2:], " ")))
		if err != nil {
			return err
		}
		if old != nil {
			fmt.Fprintf(s.out, "OK (was %q)\n", old)
		} else {
			fmt.Fprintln(s.out, "OK")
		}
	case "get":
		if len(args) < 2 {
			return errors.New("get requires a key")
		}
		v, ok, err := t.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintf(s.out, "%q\n", v)
	case "delete", "del":
		if len(args) < 2 {
			return errors.New("delete requires a key")
		}
		old, err := t.Remove([]byte(args[1]))
		if err != nil {
			return err
		}
		if old == nil {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, "OK")
	case "scan":
		var start, end []byte
		if len(args) > 1 {
			start = []byte(args[1])
		}
		if len(args) > 2 {
			end = []byte(args[2])
		}
		n := 0
		err := t.Scan(start, end, func(k, v []byte) bool {
			fmt.Fprintf(s.out, "%q = %q\n", k, v)
			n++
			return true
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "(%d keys)\n", n)
	case "len":
		n, err := t.Len()
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, n)
	case "use":
		if len(args) < 2 {
			return errors.New("use requires a tree name")
		}
		next, err := s.db.OpenTree([]byte(args[1]))
		if err != nil {
			return err
		}
		s.current = next
	case "trees":
		names, err := s.db.TreeNames()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintf(s.out, "%s\n", name)
		}
	case "flush":
		n, err := s.db.Flush()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "flushed %d bytes\n", n)
	case "compact":
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.db.Compact(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "relocated %d pages\n", n)
	case "checkpoint":
		if len(args) < 2 {
			return errors.New("checkpoint requires a directory")
		}
		st, err := s.db.Checkpoint(context.Background(), args[1], 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "copied %d files, %d bytes, stable lsn %d\n", st.Files, st.Bytes, st.StableLSN)
	case "size":
		n, err := s.db.SizeOnDisk()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d bytes\n", n)
	case "stats":
		st := s.db.Stats()
		fmt.Fprintf(s.out, "stable lsn:      %d\n", st.StableLSN)
		fmt.Fprintf(s.out, "next page id:    %d\n", st.NextPID)
		fmt.Fprintf(s.out, "free page ids:   %d\n", st.FreePIDs)
		fmt.Fprintf(s.out, "epoch:           %d\n", st.Epoch)
		fmt.Fprintf(s.out, "pending garbage: %d\n", st.PendingGarbage)
		fmt.Fprintf(s.out, "log syncs:       %d\n", st.LogSyncs)
		fmt.Fprintf(s.out, "resident pages:  %d (%d bytes)\n", st.ResidentPages, st.ResidentBytes)
		fmt.Fprintf(s.out, "segments:        %+v\n", st.Segments)
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}
