package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/onnwee/huddle/auth"
	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/db"
	"github.com/onnwee/huddle/uploads"
)

type app struct {
	users     *db.UserStore
	messages  *db.MessageStore
	uploadDir string
	maxUpload int64
	in        io.Reader
	out       io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"seed-users", "create an admin and demo users with random passwords", seedUsers},
	{"create-bot", "create the chatbot identity and print its id", createBot},
	{"reset-password", "set or generate a new password for a user", resetPassword},
	{"set-avatar", "replace a user's avatar from an image file", setAvatar},
	{"list-users", "print registered users", listUsers},
	{"export-messages", "write users and messages as JSON", exportMessages},
	{"reset-chat", "delete all messages (and optionally users)", resetChat},
	{"encrypt-messages", "encrypt plaintext message text", encryptMessages},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func newFlags(name string, a *app) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

// printLogin writes a credentials line in the .logins format.
func printLogin(w io.Writer, username, password, note string) {
	if note != "" {
		fmt.Fprintf(w, "%s:%s (%s)\n", username, password, note)
		return
	}
	fmt.Fprintf(w, "%s:%s\n", username, password)
}

func seedUsers(ctx context.Context, a *app, args []string) error {
	fs := newFlags("seed-users", a)
	admin := fs.String("admin", "admin", "admin username (empty to skip)")
	names := fs.String("users", "sarah_dev,john_smith,emily_tech,alex_chat", "comma-separated usernames")
	length := fs.Int("length", 12, "generated password length")
	logins := fs.String("logins", "", "append credentials to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	out := a.out
	if *logins != "" {
		f, err := os.OpenFile(*logins, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open logins file: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(a.out, f)
	}

	type seed struct {
		name    string
		isAdmin bool
	}
	var seeds []seed
	if *admin != "" {
		seeds = append(seeds, seed{*admin, true})
	}
	for _, n := range strings.Split(*names, ",") {
		if n = strings.TrimSpace(n); n != "" {
			seeds = append(seeds, seed{n, false})
		}
	}

	for _, s := range seeds {
		pw, err := auth.GeneratePassword(*length)
		if err != nil {
			return err
		}
		if _, err := a.users.Create(ctx, s.name, pw, s.isAdmin); err != nil {
			if errors.Is(err, db.ErrUsernameTaken) {
				fmt.Fprintf(a.out, "# %s already exists, skipped\n", s.name)
				continue
			}
			return err
		}
		note := ""
		if s.isAdmin {
			note = "admin"
		}
		printLogin(out, s.name, pw, note)
	}
	return nil
}

func createBot(ctx context.Context, a *app, args []string) error {
	fs := newFlags("create-bot", a)
	username := fs.String("username", "ChatBot", "bot username")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if existing, err := a.users.FindByUsername(ctx, *username); err == nil {
		fmt.Fprintf(a.out, "# %s already exists\nCHATBOT_USER_ID=%s\n", existing.Username, existing.ID)
		return nil
	} else if !errors.Is(err, chat.ErrNotFound) {
		return err
	}

	pw, err := auth.GeneratePassword(16)
	if err != nil {
		return err
	}
	bot, err := a.users.Create(ctx, *username, pw, false)
	if err != nil {
		return err
	}
	printLogin(a.out, bot.Username, pw, "bot")
	fmt.Fprintf(a.out, "CHATBOT_USER_ID=%s\n", bot.ID)
	return nil
}

func resetPassword(ctx context.Context, a *app, args []string) error {
	fs := newFlags("reset-password", a)
	username := fs.String("username", "admin", "user whose password is reset")
	password := fs.String("password", "", "new password (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw := *password
	if pw == "" {
		var err error
		if pw, err = auth.GeneratePassword(12); err != nil {
			return err
		}
	}
	if err := a.users.SetPassword(ctx, *username, pw); err != nil {
		return err
	}
	printLogin(a.out, *username, pw, "")
	return nil
}

func setAvatar(ctx context.Context, a *app, args []string) error {
	fs := newFlags("set-avatar", a)
	username := fs.String("username", "", "user to update")
	image := fs.String("image", "", "path to a PNG, JPEG, GIF or WebP image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *image == "" {
		return fmt.Errorf("-username and -image are required")
	}

	user, err := a.users.FindByUsername(ctx, *username)
	if err != nil {
		return err
	}
	f, err := os.Open(*image)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	store, err := uploads.NewStore(a.uploadDir, a.maxUpload)
	if err != nil {
		return err
	}
	avatar, thumb, err := store.SaveAvatar(user.ID, filepath.Base(*image), f)
	if err != nil {
		return err
	}
	if _, err := a.users.UpdateAvatar(ctx, user.ID, avatar, thumb); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "avatar: %s\nthumbnail: %s\n", avatar, thumb)
	return nil
}

func listUsers(ctx context.Context, a *app, args []string) error {
	if err := newFlags("list-users", a).Parse(args); err != nil {
		return err
	}
	users, err := a.users.List(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(a.out, "no users found")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tADMIN\tAVATAR")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", u.ID, u.Username, u.IsAdmin, u.Avatar)
	}
	return tw.Flush()
}

type exportDocument struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Users      []chat.Identity `json:"users"`
	Messages   []chat.Event    `json:"messages"`
}

func exportMessages(ctx context.Context, a *app, args []string) error {
	fs := newFlags("export-messages", a)
	start := fs.String("start", "", "first day to include (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "last day to include (YYYY-MM-DD or RFC3339)")
	output := fs.String("out", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := parseDay(*start, false)
	if err != nil {
		return err
	}
	to, err := parseDay(*end, true)
	if err != nil {
		return err
	}

	doc := exportDocument{ExportedAt: time.Now().UTC()}
	if doc.Users, err = a.users.List(ctx); err != nil {
		return err
	}
	if doc.Messages, err = a.messages.FindByRange(ctx, from, to); err != nil {
		return err
	}

	w := a.out
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if *output != "" {
		fmt.Fprintf(a.out, "exported %d users and %d messages to %s\n", len(doc.Users), len(doc.Messages), *output)
	}
	return nil
}

// parseDay accepts RFC3339 or a bare date; a bare end date covers the whole day.
func parseDay(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func resetChat(ctx context.Context, a *app, args []string) error {
	fs := newFlags("reset-chat", a)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	withUsers := fs.Bool("users", false, "also delete every user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes {
		prompt := "Delete ALL chat messages? (y/N) "
		if *withUsers {
			prompt = "Delete ALL chat messages and users? (y/N) "
		}
		fmt.Fprint(a.out, prompt)
		answer, _ := bufio.NewReader(a.in).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Fprintln(a.out, "Aborting reset")
			return nil
		}
	}

	n, err := a.messages.DeleteAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %d messages\n", n)
	if *withUsers {
		u, err := a.users.DeleteAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Deleted %d users\n", u)
	}
	return nil
}

func encryptMessages(ctx context.Context, a *app, args []string) error {
	fs := newFlags("encrypt-messages", a)
	dryRun := fs.Bool("dry-run", false, "show what would be encrypted without making changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := a.messages.SealPlaintext(ctx, *dryRun)
	if err != nil {
		return err
	}
	verb := "encrypted"
	if *dryRun {
		verb = "would encrypt"
	}
	fmt.Fprintf(a.out, "%s %d messages\n", verb, n)

	status, err := a.messages.EncryptionStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "plaintext: %d\nencrypted: %d\n", status[0], status[1])
	return nil
}
