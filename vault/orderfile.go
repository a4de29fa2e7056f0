package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/foilvault-io/foilvault/vault/envelope"
	"github.com/foilvault-io/foilvault/vault/keystore"
)

const (
	infoFileName    = ".info"
	infoContents    = "FoilPics"
	infoOrderHeader = "Order"
)

// orderEntry is one token of the order file: an image name and, optionally,
// its thumbnail name.
type orderEntry struct {
	Image string
	Thumb string
}

// encodeOrder renders the order list as the comma-separated value of the
// Order header.
func encodeOrder(order []orderEntry) string {
	tokens := make([]string, 0, len(order))
	for _, o := range order {
		if o.Image == "" {
			continue
		}
		if o.Thumb != "" {
			tokens = append(tokens, o.Image+":"+o.Thumb)
		} else {
			tokens = append(tokens, o.Image)
		}
	}
	return strings.Join(tokens, ",")
}

// decodeOrder parses an Order header value. Whitespace around tokens is
// trimmed and empty tokens are skipped.
func decodeOrder(value string) []orderEntry {
	var order []orderEntry
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if i := strings.IndexByte(token, ':'); i >= 0 {
			order = append(order, orderEntry{Image: token[:i], Thumb: token[i+1:]})
		} else {
			order = append(order, orderEntry{Image: token})
		}
	}
	return order
}

// readOrderFile loads and authenticates the order file from the vault
// directory. A missing, undecryptable or unverifiable file yields an empty
// order and an error the caller may treat as "no order known".
func readOrderFile(dir string, keys *keystore.KeyPair) ([]orderEntry, error) {
	path := filepath.Join(dir, infoFileName)
	env, err := envelope.DecryptFile(keys.Private, path)
	if err != nil {
		return nil, err
	}
	if !env.Verify(keys.Public) {
		return nil, errors.Errorf("could not verify %s", path)
	}
	if string(env.Body) != infoContents {
		return nil, errors.Errorf("unexpected contents of %s", path)
	}
	return decodeOrder(env.Header(infoOrderHeader)), nil
}

// writeOrderFile atomically replaces the order file with the given order.
func writeOrderFile(dir string, keys *keystore.KeyPair, order []orderEntry) error {
	var buf bytes.Buffer
	headers := []envelope.Header{{Name: infoOrderHeader, Value: encodeOrder(order)}}
	err := envelope.Encrypt(&buf, []byte(infoContents), "text/plain", headers,
		keys.Private, keys.Public, envelope.Options{})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, infoFileName)
	if err := atomic_file.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return errors.Wrap(err, "write order file")
	}
	return os.Chmod(path, 0600)
}
