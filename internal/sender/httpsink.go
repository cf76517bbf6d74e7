package sender

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/message"
)

// httpSinkTimeout bounds one POST end to end, including the body
// upload. Sink endpoints are expected to be nearby queue consumers,
// not arbitrary internet hosts.
const httpSinkTimeout = 2 * time.Minute

// sendHTTP posts the message to the delivery's target URL instead of
// performing SMTP delivery. The message travels as the "message" file
// part of a multipart/form-data request, headers first, body streamed
// from the store. No trace field is added: the message never crosses
// an SMTP hop.
func (w *worker) sendHTTP(ctx context.Context, d *broker.Delivery, dlog log.Logger) error {
	z := w.zone

	if err := z.deps.Hooks.runHeaders(ctx, d); err != nil {
		return hookError("headers", err)
	}
	z.signHeaders(ctx, d, dlog)

	body, err := z.deps.Store.Open(ctx, d.ID)
	if err != nil {
		return storeError(d.ID, err)
	}
	defer body.Close()
	tap := message.NewMD5Tap(body)
	counter := message.NewByteCounter(tap)

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeSinkForm(form, d, counter)
		if cerr := form.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, pr)
	if err != nil {
		return &deliveryErr{
			protocol: "http",
			category: "policy",
			response: "invalid target URL: " + err.Error(),
			code:     400,
			err:      err,
		}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return &deliveryErr{
			protocol:  "http",
			category:  "network",
			response:  "sink request failed: " + err.Error(),
			temporary: true,
			err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &deliveryErr{
			protocol:  "http",
			category:  "http",
			response:  sinkResponse(resp),
			code:      sinkCode(resp.StatusCode),
			temporary: resp.StatusCode >= 500,
		}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	d.SentBodyHash = tap.SumHex()
	d.SentBodySize = counter.Count()
	d.MD5Match = d.SourceMD5 == "" || strings.EqualFold(d.SourceMD5, d.SentBodyHash)
	d.Status = fmt.Sprintf("accepted by %s (%d)", req.URL.Host, resp.StatusCode)
	return nil
}

func writeSinkForm(form *multipart.Writer, d *broker.Delivery, body io.Reader) error {
	for _, field := range [][2]string{
		{"id", d.ID},
		{"seq", d.Seq},
		{"from", d.From},
		{"to", d.Recipient},
	} {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	part, err := form.CreateFormFile("message", d.ID+".eml")
	if err != nil {
		return err
	}
	if _, err := part.Write(d.Headers.Render()); err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

// sinkResponse folds the status line and the leading response bytes
// into the classifier input.
func sinkResponse(resp *http.Response) string {
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	line := strings.TrimSpace(string(text))
	if line == "" {
		return resp.Status
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return resp.Status + ": " + line
}

// sinkCode keeps the classifier contract of a code >= 400 for any
// non-2xx outcome. Stray redirects map to a retriable server error.
func sinkCode(status int) int {
	if status >= 400 {
		return status
	}
	return 502
}
