package sender

import (
	"errors"
	"fmt"

	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
)

// deliveryErr carries classification metadata for attempt failures that
// did not come out of an SMTP dialog: hook errors, HTTP sink statuses,
// cached connect failures, store trouble.
type deliveryErr struct {
	response  string
	category  string
	code      int
	temporary bool
	action    classify.Action
	protocol  string
	cached    bool
	err       error
}

func (e *deliveryErr) Error() string {
	if e.response != "" {
		return e.response
	}
	if e.err != nil {
		return e.err.Error()
	}
	return "delivery failed"
}

func (e *deliveryErr) Unwrap() error { return e.err }

func (e *deliveryErr) Temporary() bool { return e.temporary }

func (e *deliveryErr) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"category": e.category,
		"response": e.response,
	}
	if e.code != 0 {
		fields["smtp_code"] = e.code
	}
	if e.protocol != "" {
		fields["protocol"] = e.protocol
	}
	if e.cached {
		fields["cached"] = true
	}
	return fields
}

// classifyDetails flattens an attempt error into the classifier input.
func classifyDetails(d *broker.Delivery, err error) classify.Details {
	det := classify.Details{
		Protocol:     "smtp",
		PoolDisabled: d.PoolDisabled,
		EmptyFrom:    d.From == "",
	}
	if d.UseLMTP {
		det.Protocol = "lmtp"
	}

	var de *deliveryErr
	if errors.As(err, &de) {
		det.Response = de.Error()
		det.Category = de.category
		det.Code = de.code
		det.Temporary = de.temporary
		det.Action = de.action
		if de.protocol != "" {
			det.Protocol = de.protocol
		}
		return det
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		det.Code = smtpErr.Code
		det.Temporary = smtpErr.Temporary()
		det.Response = formatResponse(smtpErr)
	} else {
		det.Temporary = exterrors.IsTemporaryOrUnspec(err)
		det.Response = err.Error()
	}
	if cat, ok := exterrors.Fields(err)["category"].(string); ok {
		det.Category = cat
	}
	return det
}

// formatResponse renders an SMTP error the way the remote server would
// have said it, the form the rule table matches against.
func formatResponse(e *exterrors.SMTPError) string {
	enh := e.EnhancedCode
	if enh[0] == 0 {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %d.%d.%d %s", e.Code, enh[0], enh[1], enh[2], e.Message)
}

// hookError wraps a failed plugin hook for classification. A HookError
// from the hook dictates the action, anything else defers.
func hookError(stage string, err error) *deliveryErr {
	de := &deliveryErr{
		category:  "plugin",
		temporary: true,
		response:  stage + " hook: " + err.Error(),
		err:       err,
	}
	var he *HookError
	if errors.As(err, &he) {
		de.action = he.Action
	}
	return de
}
