/*
Velum Remailer - Mixminion-style anonymous remailer node.
Copyright © 2023-2024 The Velum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/velumlabs/velum/framework/hooks"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
	"github.com/velumlabs/velum/internal/server"
	"github.com/velumlabs/velum/internal/serverkeys"
)

func main() {
	app := cli.NewApp()
	app.Name = "velum"
	app.Usage = "anonymous remailer node"
	app.Description = `Velum is a type III (Mixminion-style) anonymous remailer node: it accepts
fixed-size encrypted packets, unwraps one layer, batches them in a mix
pool and forwards them to the next hop or a local delivery module.
`
	app.Authors = []*cli.Author{
		{Name: "The Velum contributors"},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the server configuration",
		Value:   "velum.conf",
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "start the server",
			Flags: []cli.Flag{
				configFlag,
				&cli.BoolFlag{
					Name:  "foreground",
					Usage: "stay attached to the terminal (the only supported mode; accepted for compatibility)",
				},
			},
			Action: runServer,
		},
		{
			Name:  "generate-keys",
			Usage: "generate new key sets ahead of schedule",
			Flags: []cli.Flag{
				configFlag,
				&cli.IntFlag{
					Name:    "num",
					Aliases: []string{"n"},
					Usage:   "how many key sets to generate",
					Value:   1,
				},
			},
			Action: generateKeys,
		},
		{
			Name:   "regenerate-descriptors",
			Usage:  "re-sign all descriptors after a configuration change",
			Flags:  []cli.Flag{configFlag},
			Action: regenerateDescriptors,
		},
		{
			Name:  "remove-keys",
			Usage: "securely remove expired key sets",
			Flags: []cli.Flag{
				configFlag,
				&cli.BoolFlag{
					Name:  "remove-identity",
					Usage: "also remove ALL key sets and the long-term identity key",
				},
			},
			Action: removeKeys,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}

func loadConfig(c *cli.Context) (*sconf.Config, log.Logger, error) {
	cfg, err := sconf.ReadFile(c.String("config"))
	if err != nil {
		return nil, log.Logger{}, err
	}
	l, err := setupLogging(cfg)
	if err != nil {
		return nil, log.Logger{}, err
	}
	return cfg, l, nil
}

// setupLogging points the default logger at the configured log file (or
// leaves it on stderr) and registers the SIGHUP reopen hook.
func setupLogging(cfg *sconf.Config) (log.Logger, error) {
	log.DefaultLogger.Debug = cfg.Server.LogDebug

	if cfg.Server.LogFile != "" {
		out, err := openLogFile(cfg.Server.LogFile)
		if err != nil {
			return log.Logger{}, err
		}
		log.DefaultLogger.Out = out
		hooks.AddHook(hooks.EventLogReset, func() {
			out, err := openLogFile(cfg.Server.LogFile)
			if err != nil {
				log.DefaultLogger.Error("cannot reopen log file", err)
				return
			}
			log.DefaultLogger.Out = out
		})
	}

	return log.DefaultLogger, nil
}

func openLogFile(path string) (log.Output, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}
	return log.WriteCloserOutput(f, true), nil
}

func runServer(c *cli.Context) error {
	cfg, l, err := loadConfig(c)
	if err != nil {
		return err
	}

	proc, err := packet.NewEngine()
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, proc, l)
	if err != nil {
		proc.Close()
		return err
	}
	return srv.Run()
}

func generateKeys(c *cli.Context) error {
	cfg, l, err := loadConfig(c)
	if err != nil {
		return err
	}

	kr, err := openKeyring(cfg, l)
	if err != nil {
		return err
	}
	if err := kr.CreateKeys(c.Int("num"), time.Time{}); err != nil {
		return err
	}
	for _, ks := range kr.KeySets() {
		fmt.Printf("%s\t%s\t%s\n", ks.Name,
			ks.ValidAfter().Format("2006-01-02"),
			ks.ValidUntil().Format("2006-01-02"))
	}

	if cfg.Directory.Publish && cfg.Directory.UploadURL != "" {
		client := &http.Client{Timeout: 30 * time.Second}
		if !kr.PublishKeys(client, cfg.Directory.UploadURL, false) {
			return fmt.Errorf("descriptor publication failed")
		}
	}
	return nil
}

func regenerateDescriptors(c *cli.Context) error {
	cfg, l, err := loadConfig(c)
	if err != nil {
		return err
	}

	kr, err := openKeyring(cfg, l)
	if err != nil {
		return err
	}
	if err := kr.RegenerateDescriptors(); err != nil {
		return err
	}

	if cfg.Directory.Publish && cfg.Directory.UploadURL != "" {
		client := &http.Client{Timeout: 30 * time.Second}
		if !kr.PublishKeys(client, cfg.Directory.UploadURL, true) {
			return fmt.Errorf("descriptor publication failed")
		}
	}
	return nil
}

func removeKeys(c *cli.Context) error {
	cfg, l, err := loadConfig(c)
	if err != nil {
		return err
	}

	kr, err := openKeyring(cfg, l)
	if err != nil {
		return err
	}

	shred := func(path string) {
		server.SecureDelete(path, l)
	}
	if c.Bool("remove-identity") {
		return kr.RemoveAllKeys(true, shred)
	}
	return kr.RemoveDeadKeys(time.Now(), shred)
}

func openKeyring(cfg *sconf.Config, l log.Logger) (*serverkeys.Keyring, error) {
	home := cfg.Server.Homedir
	return serverkeys.Open(cfg,
		filepath.Join(home, "keys"),
		filepath.Join(home, "work", "hashlogs"), l)
}
