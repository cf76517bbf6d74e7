package message_test

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/foxcpp/mailout/internal/message"
)

func TestMD5Tap(t *testing.T) {
	body := strings.Repeat("Hello, MX!\r\n", 1000)

	tap := message.NewMD5Tap(strings.NewReader(body))
	n, err := io.Copy(io.Discard, tap)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(body)) || tap.Size() != int64(len(body)) {
		t.Errorf("size mismatch: copied %d, tap saw %d, want %d", n, tap.Size(), len(body))
	}

	sum := md5.Sum([]byte(body))
	if tap.SumHex() != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", tap.SumHex())
	}
}

func TestMD5Tap_Empty(t *testing.T) {
	tap := message.NewMD5Tap(strings.NewReader(""))
	if _, err := io.Copy(io.Discard, tap); err != nil {
		t.Fatal(err)
	}
	// MD5 of the empty string.
	if tap.SumHex() != "d41d8cd98f00b204e9800998ecf8427e" || tap.Size() != 0 {
		t.Errorf("got %s (%d bytes)", tap.SumHex(), tap.Size())
	}
}

func TestByteCounter(t *testing.T) {
	cnt := message.NewByteCounter(strings.NewReader("0123456789"))
	if cnt.Elapsed() != 0 {
		t.Error("elapsed should be zero before the first read")
	}
	if _, err := io.Copy(io.Discard, cnt); err != nil {
		t.Fatal(err)
	}
	if cnt.Count() != 10 {
		t.Errorf("counted %d bytes, want 10", cnt.Count())
	}
}
