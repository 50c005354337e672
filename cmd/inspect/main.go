// Command inspect dumps the gateway's badger store as a table and can revoke
// a credential by its token id.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chat-gateway/repositories"
	"chat-gateway/security"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
)

var kindColours = map[string]color.Color{
	"MESSAGE": color.FgGreen,
	"CHANNEL": color.FgCyan,
	"MEMBER":  color.FgBlue,
	"USER":    color.FgMagenta,
	"REVOKED": color.FgRed,
	"BANNED":  color.FgYellow,
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	dbPath := flags.String("db", "./data/badger", "path to the badger directory")
	prefix := flags.String("prefix", "", "only show keys with this prefix")
	passphrase := flags.String("passphrase", os.Getenv("ENCRYPTION_PASSPHRASE"), "decrypts message content when set")
	salt := flags.String("salt", "chat-gateway-content", "salt used with the passphrase")
	revoke := flags.String("revoke", "", "token id to revoke instead of dumping")
	until := flags.Duration("until", 24*time.Hour, "how long the revocation lasts")
	noColour := flags.Bool("no-color", false, "disable colours")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *noColour {
		color.Disable()
	}

	if *revoke != "" {
		return revokeToken(*dbPath, *revoke, *until)
	}

	var cipher security.Cipher
	if *passphrase != "" {
		c, err := security.NewContentCipher(*passphrase, *salt)
		if err != nil {
			return err
		}
		cipher = c
	}

	db, err := openReadOnly(*dbPath)
	if err != nil {
		return fmt.Errorf("error while opening badger: %w", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Kind", "Timestamp", "Scope", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	rows := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if *prefix == "" && strings.HasPrefix(key, "idx:") {
				continue
			}
			err := item.Value(func(val []byte) error {
				row := repositories.Describe(key, val, cipher)
				kind := row.Kind
				if c, ok := kindColours[kind]; ok {
					kind = c.Render(kind)
				}
				table.Append([]string{row.Key, kind, row.Timestamp, row.Scope, row.Detail})
				rows++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	table.Render()
	fmt.Println(color.Gray.Render(fmt.Sprintf("%d records", rows)))
	return nil
}

func openReadOnly(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	return badger.Open(opts)
}

func revokeToken(path, tokenID string, ttl time.Duration) error {
	db, err := repositories.OpenBadger(path)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repositories.NewBadgerRepository(db, slog.Default())
	if err := repo.Revoke(context.Background(), tokenID, time.Now().Add(ttl)); err != nil {
		return err
	}
	fmt.Println(color.Green.Render("revoked " + tokenID))
	return nil
}
