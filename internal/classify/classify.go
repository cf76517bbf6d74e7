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

package classify

import "regexp"

// Details describes one failed delivery attempt.
type Details struct {
	// Response is the remote server response or the local error text.
	Response string

	// Category preset by the failing component, when it knows better
	// than the response text: dns, network, policy, blacklist, plugin.
	Category string

	// Code is the pre-extracted reply code, 0 when unknown. For the
	// http protocol this is the HTTP status.
	Code int

	// Temporary is the transience reported by the failing component.
	Temporary bool

	// Action set by a hook to override the outcome. Usually empty.
	Action Action

	// Protocol the attempt was made over: smtp, lmtp or http.
	Protocol string

	// PoolDisabled is set when the delivery ran out of usable source
	// addresses.
	PoolDisabled bool

	// EmptyFrom is set for deliveries with a null reverse-path.
	EmptyFrom bool
}

// Result is the classification outcome.
type Result struct {
	Action   Action
	Category string
	Message  string

	// Code is the reply code the result was derived from, 0 if none.
	Code int

	// Status is the enhanced status code (x.y.z) if the response
	// carried one.
	Status string

	// Rule is the source text of the matched rule, empty when the
	// outcome was not decided by the table.
	Rule string
}

var (
	replyCodeRe = regexp.MustCompile(`^([0-9]{3})([ -]|$)`)
	enhStatusRe = regexp.MustCompile(`\b([245]\.[0-9]{1,3}\.[0-9]{1,3})\b`)

	// Categories assigned before any SMTP exchange happened. For these
	// the response text is local error prose, not a server reply, and
	// the rule table does not apply.
	presetCategories = map[string]struct{}{"dns": {}, "network": {}, "policy": {}, "plugin": {}}
)

// Classify decides whether the attempt described by d should be retried
// later or rejected for good. It is a pure function of its inputs: the
// same details against the same rule set always yield the same result.
func (rs *RuleSet) Classify(d Details) Result {
	res := rs.classify(d)

	// An explicit action, usually set by a hook, wins over everything
	// derived from the response.
	if d.Action != "" {
		res.Action = d.Action
	}

	// Blacklist failures are final once no alternative source IP
	// remains, and also for null reverse-path messages (a deferred
	// bounce would keep hitting the same listing).
	if res.Category == "blacklist" && (d.PoolDisabled || d.EmptyFrom) {
		res.Action = ActionReject
	}

	return res
}

func (rs *RuleSet) classify(d Details) Result {
	if d.Protocol == "http" {
		// HTTP semantics are inverted relative to SMTP: 4xx is the
		// client's fault and retrying won't help, 5xx may clear up.
		action := ActionDefer
		if d.Code >= 400 && d.Code < 500 {
			action = ActionReject
		}
		return Result{Action: action, Category: "http", Message: d.Response, Code: d.Code}
	}

	if _, ok := presetCategories[d.Category]; ok {
		action := ActionReject
		if d.Temporary || d.Action == ActionDefer {
			action = ActionDefer
		}
		return Result{Action: action, Category: d.Category, Message: d.Response, Code: d.Code}
	}

	code, status := extractCode(d.Response)
	if code == 0 {
		// No SMTP reply at all: the connection broke somewhere on the
		// way. Worth another attempt.
		return Result{Action: ActionDefer, Category: "network", Message: "Unspecified network issue"}
	}

	for i := range rs.rules {
		rule := &rs.rules[i]
		if !rule.Regexp.MatchString(d.Response) {
			continue
		}

		action := rule.Action
		if d.Category == "dns" && code <= 500 {
			action = ActionDefer
		}
		return Result{
			Action:   action,
			Category: rule.Category,
			Message:  rule.Message,
			Code:     code,
			Status:   status,
			Rule:     rule.Line,
		}
	}

	// The built-in table ends with catch-alls, so this is reachable
	// only with a user-supplied table that has none.
	action := ActionDefer
	if code >= 500 {
		action = ActionReject
	}
	return Result{Action: action, Category: "other", Message: d.Response, Code: code, Status: status}
}

// extractCode pulls the "NNN" reply code prefix and, if present, the
// x.y.z enhanced status code out of an SMTP response. A missing prefix
// yields code 0.
func extractCode(response string) (code int, status string) {
	m := replyCodeRe.FindStringSubmatch(response)
	if m == nil {
		return 0, ""
	}
	code = int(m[1][0]-'0')*100 + int(m[1][1]-'0')*10 + int(m[1][2]-'0')
	if sm := enhStatusRe.FindStringSubmatch(response); sm != nil {
		status = sm[1]
	}
	return code, status
}
