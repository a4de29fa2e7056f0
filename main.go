package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/foilvault-io/foilvault/vault"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "foilvault"
	app.Usage = "Encrypted picture vault"
	app.Version = version
	app.Flags = getFlags()
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "show the vault state",
			Action: withEngine(statusCmd),
		},
		{
			Name:   "generate",
			Usage:  "generate a new key pair",
			Action: withEngine(generateCmd),
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "bits",
					Usage: "RSA key size in bits (0 uses the configured default)",
				},
			},
		},
		{
			Name:   "list",
			Usage:  "list the pictures in the vault",
			Action: withEngine(listCmd),
		},
		{
			Name:      "import",
			Usage:     "encrypt pictures into the vault (the sources are deleted)",
			ArgsUsage: "FILE...",
			Action:    withEngine(importCmd),
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "orientation",
					Usage: "orientation in degrees (0, 90, 180 or 270)",
				},
			},
		},
		{
			Name:      "export",
			Usage:     "decrypt pictures back to their original paths",
			ArgsUsage: "INDEX...",
			Action:    withEngine(exportCmd),
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "all",
					Usage: "export every picture",
				},
			},
		},
		{
			Name:      "remove",
			Usage:     "delete a picture from the vault",
			ArgsUsage: "INDEX",
			Action:    withEngine(removeCmd),
		},
		{
			Name:   "change-password",
			Usage:  "change the vault passphrase",
			Action: withEngine(changePasswordCmd),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "vault-dir",
			Usage: "vault directory",
		},
		cli.StringFlag{
			Name:  "key-dir",
			Usage: "key directory",
		},
		cli.StringFlag{
			Name:  "level",
			Usage: "logging level: debug, info, warn, error",
			Value: "warn",
		},
	}
}

func newEngine(c *cli.Context) (*vault.Engine, error) {
	config, err := vault.NewConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if dir := c.GlobalString("vault-dir"); dir != "" {
		config.VaultDir = dir
	}
	if dir := c.GlobalString("key-dir"); dir != "" {
		config.Key.Dir = dir
	}
	level, err := vault.GetLogLevel(c.GlobalString("level"))
	if err != nil {
		return nil, err
	}
	config.LogLevel = level

	engine, err := vault.New(config, nil)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, err
	}
	return engine, nil
}

func withEngine(fn func(*cli.Context, *vault.Engine) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		engine, err := newEngine(c)
		if err != nil {
			return err
		}
		defer engine.Stop()
		waitIdle(engine)
		return fn(c, engine)
	}
}

// waitIdle polls until the engine has no check, save, generate,
// reconstruction, import or image-request task in flight.
func waitIdle(engine *vault.Engine) {
	for engine.Busy() {
		time.Sleep(50 * time.Millisecond)
	}
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

// unlocked brings the engine to the ready state, prompting for the
// passphrase when the vault is locked.
func unlocked(engine *vault.Engine) error {
	switch state := engine.FoilState(); state {
	case vault.FoilPicsReady:
		return nil
	case vault.FoilLocked, vault.FoilLockedTimedOut:
		pass, err := promptPassphrase("Passphrase")
		if err != nil {
			return err
		}
		if !engine.Unlock(pass) {
			return cli.NewExitError("wrong passphrase", 1)
		}
		waitIdle(engine)
		return nil
	default:
		return cli.NewExitError(fmt.Sprintf("vault not usable (state %v); "+
			"run 'foilvault generate' first", state), 1)
	}
}

func statusCmd(c *cli.Context, engine *vault.Engine) error {
	fmt.Printf("State:                %v\n", engine.FoilState())
	fmt.Printf("Key available:        %v\n", engine.KeyAvailable())
	fmt.Printf("Encrypted pictures:   %v\n", engine.MayHaveEncryptedPictures())
	size := engine.ThumbnailSize()
	fmt.Printf("Thumbnail size:       %dx%d\n", size.Width, size.Height)
	return nil
}

func generateCmd(c *cli.Context, engine *vault.Engine) error {
	state := engine.FoilState()
	if state != vault.FoilKeyMissing && state != vault.FoilKeyInvalid {
		return cli.NewExitError(fmt.Sprintf("refusing to generate a key in state %v", state), 1)
	}
	if engine.MayHaveEncryptedPictures() {
		return cli.NewExitError("the vault directory already holds encrypted "+
			"pictures; generating a new key would orphan them", 1)
	}
	pass, err := promptPassphrase("New passphrase")
	if err != nil {
		return err
	}
	again, err := promptPassphrase("Repeat passphrase")
	if err != nil {
		return err
	}
	if pass != again {
		return cli.NewExitError("passphrases do not match", 1)
	}
	engine.GenerateKey(c.Int("bits"), pass)
	waitIdle(engine)
	if engine.FoilState() != vault.FoilPicsReady {
		return cli.NewExitError("key generation failed", 1)
	}
	fmt.Println("Key generated")
	return nil
}

func listCmd(c *cli.Context, engine *vault.Engine) error {
	if err := unlocked(engine); err != nil {
		return err
	}
	n := engine.Count()
	for i := 0; i < n; i++ {
		entry, ok := engine.EntryAt(i)
		if !ok {
			continue
		}
		fmt.Printf("%3d  %-20s %5dx%-5d %-12s %s\n", i, entry.Title,
			entry.FullWidth, entry.FullHeight, entry.ContentType,
			entry.ModTime.Format(time.RFC3339))
	}
	if n == 0 {
		fmt.Println("The vault is empty")
	}
	return nil
}

func importCmd(c *cli.Context, engine *vault.Engine) error {
	if c.NArg() == 0 {
		return cli.NewExitError("nothing to import", 1)
	}
	if err := unlocked(engine); err != nil {
		return err
	}
	before := engine.Count()
	for _, path := range c.Args() {
		if !engine.EncryptFile(path, c.Int("orientation")) {
			return cli.NewExitError("import rejected: "+path, 1)
		}
	}
	waitIdle(engine)
	imported := engine.Count() - before
	fmt.Printf("Imported %d of %d file(s)\n", imported, c.NArg())
	if imported != c.NArg() {
		return cli.NewExitError("some files could not be imported", 1)
	}
	return nil
}

func exportCmd(c *cli.Context, engine *vault.Engine) error {
	if err := unlocked(engine); err != nil {
		return err
	}
	before := engine.Count()
	if c.Bool("all") {
		engine.DecryptAll()
	} else {
		if c.NArg() == 0 {
			return cli.NewExitError("nothing to export", 1)
		}
		for _, arg := range c.Args() {
			var index int
			if _, err := fmt.Sscanf(arg, "%d", &index); err != nil {
				return cli.NewExitError("bad index: "+arg, 1)
			}
			engine.DecryptAt(index)
		}
	}
	// Export tasks are not part of the busy predicate; wait for the
	// catalog to settle instead.
	deadline := time.Now().Add(time.Minute)
	for engine.Count() == before && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	waitIdle(engine)
	fmt.Printf("Exported %d file(s)\n", before-engine.Count())
	return nil
}

func removeCmd(c *cli.Context, engine *vault.Engine) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected exactly one index", 1)
	}
	if err := unlocked(engine); err != nil {
		return err
	}
	var index int
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &index); err != nil {
		return cli.NewExitError("bad index: "+c.Args().First(), 1)
	}
	entry, ok := engine.EntryAt(index)
	if !ok {
		return cli.NewExitError("no such picture", 1)
	}
	engine.RemoveAt(index)
	waitIdle(engine)
	fmt.Printf("Removed %s\n", strings.TrimSpace(entry.Title))
	return nil
}

func changePasswordCmd(c *cli.Context, engine *vault.Engine) error {
	oldPass, err := promptPassphrase("Current passphrase")
	if err != nil {
		return err
	}
	newPass, err := promptPassphrase("New passphrase")
	if err != nil {
		return err
	}
	again, err := promptPassphrase("Repeat new passphrase")
	if err != nil {
		return err
	}
	if newPass != again {
		return cli.NewExitError("passphrases do not match", 1)
	}
	if !engine.ChangePassword(oldPass, newPass) {
		return cli.NewExitError("passphrase change failed", 1)
	}
	fmt.Println("Passphrase changed")
	return nil
}
