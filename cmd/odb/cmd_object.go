package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/repo"
)

func newHashObjectCmd() *cobra.Command {
	var write bool
	var typeName string

	cmd := &cobra.Command{
		Use:   "hash-object <file>",
		Short: "Compute an object id, optionally storing the object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := object.ParseType(typeName)
			if err != nil {
				return err
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			path := args[0]
			if !filepath.IsAbs(path) {
				path, err = filepath.Abs(path)
				if err != nil {
					return err
				}
			}
			data, err := afero.ReadFile(r.Fs, path)
			if err != nil {
				return fmt.Errorf("hash-object: %w", err)
			}

			id := r.DB.Format().HashObject(t, data)
			if write {
				id, err = insertAndFlush(r, func(ins inserter) (object.ID, error) {
					return ins.Insert(t, data)
				})
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "store the object")
	cmd.Flags().StringVarP(&typeName, "type", "t", "blob", "object type")
	return cmd
}

type inserter interface {
	Insert(t object.Type, data []byte) (object.ID, error)
	InsertTree(tr *object.Tree) (object.ID, error)
	InsertCommit(c *object.Commit) (object.ID, error)
}

// insertAndFlush runs insert against a fresh inserter and publishes the
// result as one pack.
func insertAndFlush(r *repo.Repo, insert func(inserter) (object.ID, error)) (object.ID, error) {
	ins := r.DB.NewInserter()
	defer ins.Close()
	id, err := insert(ins)
	if err != nil {
		return object.ZeroID, err
	}
	if err := ins.Flush(); err != nil {
		return object.ZeroID, err
	}
	return id, nil
}

func newCatFileCmd() *cobra.Command {
	var showType, showSize, pretty bool

	cmd := &cobra.Command{
		Use:   "cat-file <object>",
		Short: "Print an object's type, size or content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			id, err := resolveRevision(r, reader, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showSize {
				size, err := reader.ObjectSize(id)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, size)
				return nil
			}
			t, data, err := reader.Open(id)
			if err != nil {
				return err
			}
			switch {
			case showType:
				fmt.Fprintln(out, t)
			case pretty && t == object.TypeTree:
				return object.ForEachTreeEntry(data, func(e object.TreeEntry) error {
					fmt.Fprintf(out, "%06s %s %s\t%s\n", e.Mode, entryType(e.Mode), e.ID, e.Name)
					return nil
				})
			default:
				_, err := out.Write(data)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showType, "type", "t", false, "print the object type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "print the object size")
	cmd.Flags().BoolVarP(&pretty, "pretty", "p", false, "pretty-print trees")
	cmd.MarkFlagsMutuallyExclusive("type", "size", "pretty")
	return cmd
}

func entryType(m object.FileMode) object.Type {
	switch {
	case m.IsTree():
		return object.TypeTree
	case m == object.ModeGitlink:
		return object.TypeCommit
	default:
		return object.TypeBlob
	}
}

func newHasCmd() *cobra.Command {
	var reachable bool

	cmd := &cobra.Command{
		Use:   "has <object>",
		Short: "Report whether the database holds an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := object.ParseID(args[0])
			if err != nil {
				return err
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			found := r.DB.Has(id)
			if reachable {
				found = r.DB.HasReachable(id)
			}
			if !found {
				return fmt.Errorf("%s: %w", id, object.ErrNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s present\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reachable, "reachable", false, "ignore objects only found in garbage packs")
	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <prefix>",
		Short: "List every object id starting with a hex prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := object.ParseAbbreviatedID(args[0])
			if err != nil {
				return err
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			for _, id := range reader.Resolve(prefix, 0) {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newMktreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mktree",
		Short: "Build a tree from \"mode type id<TAB>name\" lines on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := parseTreeListing(cmd.InOrStdin())
			if err != nil {
				return err
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := insertAndFlush(r, func(ins inserter) (object.ID, error) {
				return ins.InsertTree(tree)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func parseTreeListing(in io.Reader) (*object.Tree, error) {
	tree := &object.Tree{}
	sc := bufio.NewScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		meta, name, ok := strings.Cut(text, "\t")
		fields := strings.Fields(meta)
		if !ok || len(fields) != 3 || name == "" {
			return nil, fmt.Errorf("mktree: line %d: want \"mode type id<TAB>name\"", line)
		}
		mode, err := strconv.ParseUint(fields[0], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("mktree: line %d: mode: %w", line, err)
		}
		id, err := object.ParseID(fields[2])
		if err != nil {
			return nil, fmt.Errorf("mktree: line %d: %w", line, err)
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: object.FileMode(mode), ID: id})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mktree: %w", err)
	}
	return tree, nil
}

func newCommitTreeCmd() *cobra.Command {
	var parents []string
	var message, author string
	var date int64

	cmd := &cobra.Command{
		Use:   "commit-tree <tree>",
		Short: "Create a commit object for a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := parseIdent(author)
			if err != nil {
				return err
			}
			who.When = date
			if who.When == 0 {
				who.When = time.Now().Unix()
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			c := &object.Commit{Author: who, Committer: who, Message: message}
			if c.Tree, err = resolveRevision(r, reader, args[0]); err != nil {
				return err
			}
			for _, p := range parents {
				id, err := resolveRevision(r, reader, p)
				if err != nil {
					return err
				}
				c.Parents = append(c.Parents, id)
			}
			if !strings.HasSuffix(c.Message, "\n") {
				c.Message += "\n"
			}

			id, err := insertAndFlush(r, func(ins inserter) (object.ID, error) {
				return ins.InsertCommit(c)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&parents, "parent", "p", nil, "parent commit, repeatable")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "odb <odb@localhost>", "author and committer as \"Name <email>\"")
	cmd.Flags().Int64Var(&date, "date", 0, "commit time in unix seconds, default now")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func parseIdent(s string) (object.Ident, error) {
	name, rest, ok := strings.Cut(s, "<")
	email, _, closed := strings.Cut(rest, ">")
	if !ok || !closed {
		return object.Ident{}, fmt.Errorf("ident %q: want \"Name <email>\"", s)
	}
	return object.Ident{Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}, nil
}
