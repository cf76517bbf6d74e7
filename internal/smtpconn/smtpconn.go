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

// The package smtpconn contains the SMTP dialog code shared between the
// zone delivery workers and the relay transport.
//
// It implements the wrapper over the SMTP connection (go-smtp.Client) object
// with the following features added:
// - Capture of the protocol exchange for delivery outcomes.
// - Wrapping of returned errors using the exterrors package.
// - SMTPUTF8/IDNA support.
// - STARTTLS negotiation that keeps the exchange capture above the TLS
//   layer.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailout/framework/address"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/config"
)

// The C object represents the SMTP session and is a wrapper around
// go-smtp.Client with additional mailout-specific logic.
//
// One session may carry multiple consecutive mail transactions when the
// connection is reused, but the C object itself cannot be reused after
// Close.
type C struct {
	// Dialer to use to estabilish new network connections. Set to net.Dialer
	// DialContext by New. The zone worker replaces it with a dialer bound to
	// the selected source address.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	// Set to 2 mins by New.
	CommandTimeout time.Duration

	// Timeout for the initial TCP connection establishment. Set to 5 mins
	// by New.
	ConnectTimeout time.Duration

	// Timeout for the final dot. Set to 12 mins by New.
	// (see go-smtp source for explanation of used defaults).
	SubmissionTimeout time.Duration

	// Hostname to sent in the EHLO/HELO command. Set to
	// 'localhost.localdomain' by New. Expected to be encoded in ACE form.
	Hostname string

	// tls.Config used when Connect is not given one. Set to the empty
	// config by New.
	TLSConfig *tls.Config

	// Logger to use for debug log and certain errors.
	Log log.Logger

	// Include the remote server address in SMTP status messages in the form
	// "ADDRESS said: ..."
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rawConn    net.Conn
	tlsState   *tls.ConnectionState
	trail      *Trail
	rcpts      []string
	lmtp       bool
}

// New creates the new instance of the C object, populating the required fields
// with resonable default values.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    2 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
		trail:             &Trail{},
	}
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Connection closed unexpectedly",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
				"category":      "network",
			},
		}
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		msg := err.Message
		if c.AddrInSMTPMsg {
			msg = serverName + " said: " + err.Message
		}

		if err.Code == 552 {
			err.Code = 452
			err.EnhancedCode[0] = 4
			c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		}

		return &exterrors.SMTPError{
			Code:         err.Code,
			EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
			Message:      msg,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case *net.OpError:
		if _, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["remote_server"] = err.Addr
			misc["io_op"] = err.Op
			misc["category"] = "dns"
			return &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 450, 550),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
				Message:      "DNS error",
				Err:          err,
				Reason:       reason,
				Misc:         misc,
			}
		}
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
				"category":    "network",
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Connect actually estabilishes the network connection with the remote host,
// executes HELO/EHLO and optionally STARTTLS command.
func (c *C) Connect(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	didTLS, cl, err := c.attemptConnect(ctx, false, endp, starttls, tlsConfig)
	if err != nil {
		return false, c.wrapClientErr(err, endp.Host)
	}

	c.serverName = endp.Host
	c.cl = cl

	c.Log.DebugMsg("connected", "remote_server", c.serverName, "tls", didTLS)
	return didTLS, nil
}

// ConnectLMTP estabilishes the network connection with the remote host and
// sends LHLO command, negotiating LMTP use.
func (c *C) ConnectLMTP(ctx context.Context, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	didTLS, cl, err := c.attemptConnect(ctx, true, endp, starttls, tlsConfig)
	if err != nil {
		return false, c.wrapClientErr(err, endp.Host)
	}

	c.serverName = endp.Host
	c.cl = cl

	c.Log.DebugMsg("connected", "remote_server", c.serverName, "tls", didTLS, "lmtp", true)
	return didTLS, nil
}

// TLSError is returned by Connect to indicate the error during STARTTLS
// command execution.
//
// If the endpoint uses Implicit TLS, TLS errors are threated as connection
// errors and thus are not returned as TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// IsTLSError reports whether err was caused by TLS negotiation or by the
// TLS channel itself. The zone worker uses it to decide whether a
// plaintext retry is worth attempting.
func IsTLSError(err error) bool {
	var (
		tlsErr    TLSError
		recErr    tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
	)
	if errors.As(err, &tlsErr) || errors.As(err, &recErr) || errors.As(err, &verifyErr) {
		return true
	}

	// crypto/tls reports alert failures as net.OpError with these two Op
	// values and provides no exported error type for them.
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "remote error" || opErr.Op == "local error") {
		return true
	}

	// Remote servers built on OpenSSL describe handshake trouble in the
	// reply text of the command that broke the session.
	text := strings.ToLower(err.Error())
	for _, pat := range []string{"ssl routines", "ssl23_get_server_hello", "ssl3_", "tls handshake", "dh key too small"} {
		if strings.Contains(text, pat) {
			return true
		}
	}

	return false
}

func (c *C) newClient(lmtp bool, conn net.Conn) *smtp.Client {
	var cl *smtp.Client
	if lmtp {
		cl = smtp.NewClientLMTP(conn)
	} else {
		cl = smtp.NewClient(conn)
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout
	return cl
}

func (c *C) attemptConnect(ctx context.Context, lmtp bool, endp config.Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, cl *smtp.Client, err error) {
	var conn net.Conn

	if tlsConfig == nil {
		tlsConfig = c.TLSConfig
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err = c.Dialer(dialCtx, endp.Network(), endp.Address())
	cancel()
	if err != nil {
		return false, nil, err
	}

	c.rawConn = conn
	c.trail.Note("connected to " + endp.Address())

	if endp.IsTLS() {
		cfg := tlsConfig.Clone()
		cfg.ServerName = endp.Host
		tlsConn := tls.Client(conn, cfg)
		if err := c.handshake(ctx, tlsConn); err != nil {
			conn.Close()
			return false, nil, err
		}
		state := tlsConn.ConnectionState()
		c.tlsState = &state
		conn = tlsConn
	}

	c.lmtp = lmtp
	txt := newTap(conn, c.trail)
	cl = c.newClient(lmtp, txt)

	// i18n: hostname is already expected to be in A-labels form.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	if endp.IsTLS() || !starttls {
		return endp.IsTLS(), cl, nil
	}

	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, cl, nil
	}

	// STARTTLS is requested by hand instead of via go-smtp: its StartTLS
	// wraps the connection the client was created with, which would leave
	// the exchange recorder below the TLS layer where it sees only
	// ciphertext. The recorder is relayered on top of the TLS channel and
	// the client is rebuilt.
	if err := c.requestStartTLS(txt); err != nil {
		// The server refused cleanly, the session is still usable for
		// the polite QUIT.
		if err := cl.Quit(); err != nil {
			cl.Close()
		}
		return false, nil, TLSError{err}
	}

	cfg := tlsConfig.Clone()
	cfg.ServerName = endp.Host
	tlsConn := tls.Client(conn, cfg)
	if err := c.handshake(ctx, tlsConn); err != nil {
		conn.Close()
		return false, nil, TLSError{err}
	}

	state := tlsConn.ConnectionState()
	c.tlsState = &state
	c.trail.Note("TLS negotiated: " + tls.VersionName(state.Version) + ", " + tls.CipherSuiteName(state.CipherSuite))

	// The session is already past the greeting stage but go-smtp expects a
	// banner before the first command, so the new recorder replays a
	// synthetic one that never touches the wire.
	txt = newTap(tlsConn, c.trail)
	txt.banner = []byte("220 " + endp.Host + " ready to continue\r\n")

	cl = c.newClient(lmtp, txt)
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	return true, cl, nil
}

func (c *C) handshake(ctx context.Context, conn *tls.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.CommandTimeout)
	defer cancel()
	return conn.HandshakeContext(hsCtx)
}

// requestStartTLS sends the STARTTLS command over the recording wrapper and
// reads the reply. The reply is read byte by byte: a buffered reader could
// swallow the beginning of the TLS handshake that follows the positive
// reply on the same stream.
func (c *C) requestStartTLS(txt *tap) error {
	if c.CommandTimeout != 0 {
		_ = txt.SetDeadline(time.Now().Add(c.CommandTimeout))
		defer func() {
			_ = txt.SetDeadline(time.Time{})
		}()
	}

	if _, err := io.WriteString(txt, "STARTTLS\r\n"); err != nil {
		return err
	}

	var (
		code int
		text strings.Builder
	)
	for {
		line, err := readReplyLine(txt)
		if err != nil {
			return err
		}
		if len(line) < 3 {
			return fmt.Errorf("smtpconn: malformed STARTTLS reply: %q", line)
		}
		parsed, convErr := strconv.Atoi(line[:3])
		if convErr != nil {
			return fmt.Errorf("smtpconn: malformed STARTTLS reply: %q", line)
		}
		code = parsed
		if len(line) > 4 {
			if text.Len() != 0 {
				text.WriteByte(' ')
			}
			text.WriteString(strings.TrimSpace(line[4:]))
		}
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	if code != 220 {
		return &smtp.SMTPError{Code: code, Message: text.String()}
	}
	return nil
}

func readReplyLine(r io.Reader) (string, error) {
	var (
		line []byte
		b    [1]byte
	)
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
		if len(line) > 2048 {
			return "", errors.New("smtpconn: reply line too long")
		}
	}
	return strings.TrimSuffix(string(line), "\r"), nil
}

// Auth sends the AUTH command using the PLAIN mechanism. It is used for
// relay endpoints that require authentication.
func (c *C) Auth(ctx context.Context, username, password string) error {
	defer trace.StartRegion(ctx, "smtpconn/AUTH").End()

	if ok, _ := c.cl.Extension("AUTH"); !ok {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Remote server does not advertise AUTH",
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
				"category":      "policy",
			},
		}
	}

	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Mail sends the MAIL FROM command to the remote server.
//
// SIZE and REQUIRETLS options are forwarded to the remote server as-is.
// SMTPUTF8 is forwarded if supported by the remote server, if it is not
// supported - attempt will be done to convert addresses to the ASCII form, if
// this is not possible, the corresponding method (Mail or Rcpt) will fail.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	outOpts := smtp.MailOptions{
		// Future extensions may add additional fields that should not be
		// copied blindly. So we copy only fields we know should be handled
		// this way.

		Size:       opts.Size,
		RequireTLS: opts.RequireTLS,
	}

	// INTERNATIONALIZATION: Use SMTPUTF8 is possible, attempt to convert addresses otherwise.

	// There is no way we can accept a message with non-ASCII addresses without SMTPUTF8,
	// the queue dispatcher is expected to have rejected it earlier.
	if opts.UTF8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			outOpts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Misc: map[string]interface{}{
						"remote_server": c.serverName,
					},
					Err: err,
				}
			}
		}
	}

	// A reused session starts the next transaction here.
	c.rcpts = c.rcpts[:0]

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	return nil
}

// Rcpts returns the list of recipients that were accepted by the remote server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

func (c *C) IsLMTP() bool {
	return c.lmtp
}

// Trail returns a copy of the protocol exchange captured so far. For a
// reused session it includes lines from the preceding transactions, up to
// the trail capacity.
func (c *C) Trail() []string {
	return c.trail.Lines()
}

// LocalAddr returns the local address of the underlying connection or nil
// when not connected.
func (c *C) LocalAddr() net.Addr {
	if c.cl == nil || c.rawConn == nil {
		return nil
	}
	return c.rawConn.LocalAddr()
}

// TLSState reports the negotiated TLS parameters of the session. ok is
// false for plaintext sessions.
func (c *C) TLSState() (tls.ConnectionState, bool) {
	if c.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// Rcpt sends the RCPT TO command to the remote server.
//
// If the address is non-ASCII and cannot be converted to ASCII and the remote
// server does not support SMTPUTF8, error will be returned.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	// If necessary, the extension flag is enabled in Mail.
	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
	}

	if err := c.cl.Rcpt(to, &smtp.RcptOptions{}); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.rcpts = append(c.rcpts, to)

	return nil
}

type lmtpError map[string]*smtp.SMTPError

func (l lmtpError) SetStatus(rcptTo string, err *smtp.SMTPError) {
	l[rcptTo] = err
}

func (l lmtpError) singleError() *smtp.SMTPError {
	nonNils := 0
	for _, e := range l {
		if e != nil {
			nonNils++
		}
	}
	if nonNils == 1 {
		for _, err := range l {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (l lmtpError) Unwrap() error {
	if err := l.singleError(); err != nil {
		return err
	}
	return nil
}

func (l lmtpError) Error() string {
	if err := l.singleError(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("multiple errors reported by LMTP downstream: %v", map[string]*smtp.SMTPError(l))
}

func (c *C) smtpToLMTPData(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	statusCb := lmtpError{}
	if err := c.LMTPData(ctx, hdr, body, statusCb.SetStatus); err != nil {
		return err
	}
	hasAnyFailures := false
	for _, err := range statusCb {
		if err != nil {
			hasAnyFailures = true
		}
	}
	if hasAnyFailures {
		return statusCb
	}
	return nil
}

// Data sends the DATA command to the remote server and then sends the message header
// and body.
//
// If the Data command fails, the connection may be in a unclean state (e.g. in
// the middle of message data stream). It is not safe to continue using it.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	if c.IsLMTP() {
		return c.smtpToLMTPData(ctx, hdr, body)
	}

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := c.sendContent(wc, hdr, body); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	return nil
}

func (c *C) LMTPData(ctx context.Context, hdr textproto.Header, body io.Reader, statusCb func(string, *smtp.SMTPError)) error {
	defer trace.StartRegion(ctx, "smtpconn/LMTPDATA").End()

	wc, err := c.cl.LMTPData(statusCb)
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := c.sendContent(wc, hdr, body); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	return nil
}

// sendContent streams the header block and the body into the opened DATA
// stream and completes it. Capture of the client direction is paused for
// the whole transfer, including the stream closure that flushes buffered
// content: message data must never end up in delivery logs or bounce
// reports. The final server reply is still captured.
func (c *C) sendContent(wc io.WriteCloser, hdr textproto.Header, body io.Reader) error {
	c.trail.PauseWrites()
	defer c.trail.ResumeWrites()

	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return err
	}

	n, err := io.Copy(wc, body)
	if err != nil {
		return err
	}
	c.trail.Note("message content, " + strconv.FormatInt(n, 10) + " body bytes")

	return wc.Close()
}

// Close sends the QUIT command, if it fail - it directly closes the
// connection.
func (c *C) Close() error {
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		return c.cl.Close()
	}

	c.cl = nil
	c.rawConn = nil
	c.serverName = ""

	return nil
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	c.cl.Close()
	c.cl = nil
	c.rawConn = nil
	c.serverName = ""
	return nil
}
