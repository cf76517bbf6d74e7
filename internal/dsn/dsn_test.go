package dsn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
)

func testMTAInfo() ReportingMTAInfo {
	return ReportingMTAInfo{
		ReportingMTA:    "mx.example.org",
		ReceivedFromMTA: "mail.example.com",
		XSender:         "sender@example.com",
		XQueueID:        "1efc2eab-c35f-4b79-a5e7-b85e422e32d3",
		ArrivalDate:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		LastAttemptDate: time.Date(2020, 1, 1, 0, 7, 0, 0, time.UTC),
	}
}

func renderDSN(t *testing.T, utf8 bool, rcptsInfo []RecipientInfo) (header, body string) {
	t.Helper()

	failedHeader := textproto.Header{}
	failedHeader.Add("From", "sender@example.com")
	failedHeader.Add("To", "user@example.invalid")
	failedHeader.Add("Subject", "Hello there")

	buf := bytes.Buffer{}
	hdr, err := GenerateDSN(utf8, Envelope{
		MsgID: "<1efc2eab@mx.example.org>",
		From:  "MAILER-DAEMON@example.org",
		To:    "sender@example.com",
	}, testMTAInfo(), rcptsInfo, failedHeader, &buf)
	if err != nil {
		t.Fatal("GenerateDSN:", err)
	}

	hdrBuf := bytes.Buffer{}
	if err := textproto.WriteHeader(&hdrBuf, hdr); err != nil {
		t.Fatal("WriteHeader:", err)
	}

	return hdrBuf.String(), buf.String()
}

func checkContains(t *testing.T, what, s string, substrs ...string) {
	t.Helper()
	for _, substr := range substrs {
		if !strings.Contains(s, substr) {
			t.Errorf("%s: missing %q", what, substr)
		}
	}
}

func TestGenerateDSN(t *testing.T) {
	header, body := renderDSN(t, false, []RecipientInfo{
		{
			FinalRecipient: "user@example.invalid",
			RemoteMTA:      "mx.example.invalid",
			Action:         ActionFailed,
			Status:         smtp.EnhancedCode{5, 1, 1},
			DiagnosticCode: &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such user",
			},
		},
	})

	checkContains(t, "report header", header,
		"Subject: Undelivered Mail Returned to Sender",
		"Content-Type: multipart/report; report-type=delivery-status;",
		"Auto-Submitted: auto-replied",
		"From: MAILER-DAEMON@example.org",
		"To: sender@example.com",
		"Message-Id: <1efc2eab@mx.example.org>",
	)
	checkContains(t, "human-readable part", body,
		"This is the mail delivery system at mx.example.org.",
		"Queue ID: 1efc2eab-c35f-4b79-a5e7-b85e422e32d3",
		"Delivery to the following recipient failed permanently: user@example.invalid",
	)
	checkContains(t, "machine-readable part", body,
		"Content-Type: message/delivery-status",
		"Reporting-MTA: dns; mx.example.org",
		"Received-From-MTA: dns; mail.example.com",
		"X-Mailout-Sender: rfc822; sender@example.com",
		"X-Mailout-Queue-ID: 1efc2eab-c35f-4b79-a5e7-b85e422e32d3",
		"Arrival-Date: Wed, 1 Jan 2020 00:00:00 +0000",
		"Last-Attempt-Date: Wed, 1 Jan 2020 00:07:00 +0000",
		"Final-Recipient: rfc822; user@example.invalid",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 No such user",
		"Remote-MTA: dns; mx.example.invalid",
	)
	checkContains(t, "header part", body,
		"Content-Type: message/rfc822-headers",
		"Subject: Hello there",
	)
}

func TestGenerateDSN_Delayed(t *testing.T) {
	header, body := renderDSN(t, false, []RecipientInfo{
		{
			FinalRecipient: "user@example.invalid",
			RemoteMTA:      "mx.example.invalid",
			Action:         ActionDelayed,
			Status:         smtp.EnhancedCode{4, 4, 1},
			DiagnosticCode: &smtp.SMTPError{
				Code:         450,
				EnhancedCode: smtp.EnhancedCode{4, 4, 1},
				Message:      "Connection timed out",
			},
		},
	})

	checkContains(t, "report header", header,
		"Subject: Mail Delivery Delayed",
	)
	checkContains(t, "human-readable part", body,
		"the system will keep",
		"There is no need to resend it.",
		"Delivery to the following recipient is delayed: user@example.invalid",
	)
	checkContains(t, "machine-readable part", body,
		"Action: delayed",
		"Status: 4.4.1",
		"Diagnostic-Code: smtp; 450 4.4.1 Connection timed out",
	)

	if strings.Contains(body, "failed permanently") {
		t.Error("delayed report contains permanent failure wording")
	}
}

func TestGenerateDSN_UTF8(t *testing.T) {
	_, body := renderDSN(t, true, []RecipientInfo{
		{
			FinalRecipient: "пользователь@экзампл.ком",
			Action:         ActionFailed,
			Status:         smtp.EnhancedCode{5, 1, 1},
			DiagnosticCode: errors.New("подключение отклонено"),
		},
	})

	checkContains(t, "machine-readable part", body,
		"Content-Type: message/global-delivery-status",
		"Final-Recipient: utf8; пользователь@экзампл.ком",
		"X-Mailout-Sender: utf8; sender@example.com",
		"Diagnostic-Code: X-Mailout; подключение отклонено",
		"Content-Type: message/global-headers",
	)
}

func TestGenerateDSN_ASCIIOnlyDiagnostic(t *testing.T) {
	// Non-SMTP diagnostic may contain Unicode, it is dropped entirely when
	// the DSN must stay 7-bit clean.
	_, body := renderDSN(t, false, []RecipientInfo{
		{
			FinalRecipient: "user@example.invalid",
			Action:         ActionFailed,
			Status:         smtp.EnhancedCode{5, 0, 0},
			DiagnosticCode: errors.New("что-то пошло не так"),
		},
	})

	if strings.Contains(body, "Diagnostic-Code:") {
		t.Error("non-SMTP diagnostic leaked into an ASCII report")
	}
}

func TestReportingMTAInfo_WriteTo(t *testing.T) {
	check := func(name string, info ReportingMTAInfo, wantErr bool, contains, missing []string) {
		t.Helper()
		buf := bytes.Buffer{}
		err := info.WriteTo(false, &buf)
		if (err != nil) != wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", name, err, wantErr)
			return
		}
		checkContains(t, name, buf.String(), contains...)
		for _, substr := range missing {
			if strings.Contains(buf.String(), substr) {
				t.Errorf("%s: unexpected %q", name, substr)
			}
		}
	}

	check("no Reporting-MTA", ReportingMTAInfo{}, true, nil, nil)
	check("minimal", ReportingMTAInfo{ReportingMTA: "mx.example.org"}, false,
		[]string{"Reporting-MTA: dns; mx.example.org"},
		[]string{"Arrival-Date:", "Last-Attempt-Date:", "X-Mailout-Sender:", "X-Mailout-Queue-ID:"})
	check("no last attempt", ReportingMTAInfo{
		ReportingMTA: "mx.example.org",
		ArrivalDate:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}, false,
		[]string{"Arrival-Date: Wed, 1 Jan 2020 00:00:00 +0000"},
		[]string{"Last-Attempt-Date:"})
}

func TestRecipientInfo_WriteTo(t *testing.T) {
	check := func(name string, info RecipientInfo) {
		t.Helper()
		buf := bytes.Buffer{}
		if err := info.WriteTo(false, &buf); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	check("no Final-Recipient", RecipientInfo{
		Action: ActionFailed,
		Status: smtp.EnhancedCode{5, 0, 0},
	})
	check("no Action", RecipientInfo{
		FinalRecipient: "user@example.invalid",
		Status:         smtp.EnhancedCode{5, 0, 0},
	})
	check("no Status", RecipientInfo{
		FinalRecipient: "user@example.invalid",
		Action:         ActionFailed,
	})
}
