// Command kiwibncctl is the operator CLI: create accounts, set passwords,
// register networks, and move the connection table between the SQLite and
// PostgreSQL backends via a portable snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/hixio-mh/kiwibnc"
)

func main() {
	dbDriver := flag.String("db-driver", "sqlite3", "sqlite3 or postgres")
	dbSource := flag.String("db-source", "kiwibnc.db", "database source (file path or postgres DSN)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	db, err := openDatabase(*dbDriver, *dbSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiwibncctl: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch args[0] {
	case "adduser":
		err = cmdAddUser(ctx, db, args[1:])
	case "setpass":
		err = cmdSetPass(ctx, db, args[1:])
	case "addnetwork":
		err = cmdAddNetwork(ctx, db, args[1:])
	case "snapshot":
		err = cmdSnapshot(ctx, db, args[1:])
	case "restore":
		err = cmdRestore(ctx, db, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiwibncctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kiwibncctl [-db-driver=sqlite3|postgres] [-db-source=path] <command> [args]

commands:
  adduser <username> [-admin]      create a user, prompting for a password
  setpass <username>               change a user's password, prompting for it
  addnetwork <username> <name> <host:port>   register an upstream network
  snapshot <file>                  write every connection row to file as BARE
  restore <file>                   replay a BARE snapshot into the database`)
}

func openDatabase(driver, source string) (*kiwibncStore, error) {
	switch driver {
	case "postgres":
		db, err := kiwibnc.OpenPostgresDB(source)
		if err != nil {
			return nil, err
		}
		return &kiwibncStore{db}, nil
	default:
		db, err := kiwibnc.OpenSqliteDB(source)
		if err != nil {
			return nil, err
		}
		return &kiwibncStore{db}, nil
	}
}

// kiwibncStore re-exposes the store CreateUser/CreateNetwork return via
// an interface local to this command, since those operator-only
// operations aren't part of kiwibnc.Database (which only covers the
// connection table kiwibnc.Server itself needs).
type kiwibncStore struct {
	inner interface {
		kiwibnc.Database
		CreateUser(ctx context.Context, u *kiwibnc.User) error
		CreateNetwork(ctx context.Context, n *kiwibnc.Network) error
	}
}

func (s *kiwibncStore) Close() error { return s.inner.Close() }

func cmdAddUser(ctx context.Context, db *kiwibncStore, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	admin := fs.Bool("admin", false, "grant administrative privileges")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: adduser <username> [-admin]")
	}
	username := fs.Arg(0)

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	hash, err := kiwibnc.HashPassword(password)
	if err != nil {
		return err
	}
	return db.inner.CreateUser(ctx, &kiwibnc.User{Username: username, Password: hash, Admin: *admin})
}

func cmdSetPass(ctx context.Context, db *kiwibncStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: setpass <username>")
	}
	password, err := promptPassword("New password: ")
	if err != nil {
		return err
	}
	hash, err := kiwibnc.HashPassword(password)
	if err != nil {
		return err
	}
	return db.inner.CreateUser(ctx, &kiwibnc.User{Username: args[0], Password: hash})
}

func cmdAddNetwork(ctx context.Context, db *kiwibncStore, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: addnetwork <username> <name> <host:port>")
	}
	return db.inner.CreateNetwork(ctx, &kiwibnc.Network{
		Name: args[1],
		Host: args[2],
	})
}

func cmdSnapshot(ctx context.Context, db *kiwibncStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: snapshot <file>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return kiwibnc.WriteSnapshot(ctx, db.inner, f)
}

func cmdRestore(ctx context.Context, db *kiwibncStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: restore <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return kiwibnc.ReadSnapshot(ctx, db.inner, f)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
