/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

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

package ctl

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/foxcpp/mailout"
	"github.com/foxcpp/mailout/framework/log"
	mailoutcli "github.com/foxcpp/mailout/internal/cli"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/dkim"
	"github.com/foxcpp/mailout/internal/message"
	"github.com/urfave/cli/v2"
)

func init() {
	mailoutcli.AddSubcommand(&cli.Command{
		Name:  "sign-test",
		Usage: "Read a message from stdin and print its DKIM-Signature header",
		Description: `sign-test computes the signature exactly as the delivery pipeline
would: relaxed/relaxed canonicalization, body hash streamed over the raw
body. Use it to verify key material and selector DNS records before
pointing live traffic at them.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file to take the key directory from",
				EnvVars: []string{"MAILOUT_CONFIG"},
				Value:   filepath.Join(mailout.ConfigDirectory, "mailout.yml"),
			},
			&cli.StringFlag{
				Name:     "domain",
				Usage:    "d= tag value",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "selector",
				Usage:    "s= tag value",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "PEM private key file, overrides the configured key directory",
			},
			&cli.StringFlag{
				Name:  "hash",
				Usage: "hash algorithm, sha256 or sha1",
				Value: "sha256",
			},
		},
		Action: signTest,
	})
}

func signTest(c *cli.Context) error {
	signer, err := testSigner(c)
	if err != nil {
		return err
	}

	algo := crypto.SHA256
	switch c.String("hash") {
	case "sha256":
	case "sha1":
		algo = crypto.SHA1
	default:
		return fmt.Errorf("unknown hash algorithm: %s", c.String("hash"))
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("cannot read the message: %w", err)
	}
	headerBlock, body := splitMessage(raw)

	hdrs, err := message.Parse(bytes.NewReader(headerBlock))
	if err != nil {
		return fmt.Errorf("malformed header block: %w", err)
	}

	var hasher *dkim.BodyHasher
	if algo == crypto.SHA1 {
		hasher = dkim.NewBodyHasherSHA1()
	} else {
		hasher = dkim.NewBodyHasher(nil)
	}
	hasher.Write(body)

	line, err := dkim.Sign(dkim.SignOptions{
		Domain:   c.String("domain"),
		Selector: c.String("selector"),
		Signer:   signer,
		HashAlgo: algo,
		BodyHash: hasher.Sum(),
	}, hdrs)
	if err != nil {
		return err
	}

	fmt.Println(line)
	return nil
}

func testSigner(c *cli.Context) (crypto.Signer, error) {
	if keyPath := c.String("key"); keyPath != "" {
		blob, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, err
		}
		return dkim.ParseKey(blob)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if cfg.DKIM.KeyDir == "" {
		return nil, fmt.Errorf("no --key given and no dkim.key_dir configured")
	}
	keys, err := dkim.NewKeyStore(cfg.DKIM.KeyDir, log.Logger{Name: "dkim"})
	if err != nil {
		return nil, err
	}
	signer, ok := keys.Get(c.String("domain"), c.String("selector"))
	if !ok {
		return nil, fmt.Errorf("no key for %s/%s in %s",
			c.String("domain"), c.String("selector"), cfg.DKIM.KeyDir)
	}
	return signer, nil
}

// splitMessage cuts a raw message into its header block and body at the
// first empty line. Bare LF line endings are accepted since the input
// usually comes from a hand-prepared file.
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i+2], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		return raw[:i+1], raw[i+2:]
	}
	return raw, nil
}
