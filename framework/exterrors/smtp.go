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

package exterrors

import (
	"fmt"

	"github.com/emersion/go-smtp"
)

type EnhancedCode smtp.EnhancedCode

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error of a failed SMTP transaction, extended with
// the structured information needed to classify and log it.
type SMTPError struct {
	// SMTP status code. Zero value is turned into 554 on the wire.
	Code int

	// Enhanced SMTP status code (RFC 2034).
	EnhancedCode EnhancedCode

	// Message that was returned (or would be returned) to the peer.
	Message string

	// Reason is a short human-readable description of the error
	// condition. Unlike Message, it is not limited by protocol
	// requirements and is meant for the local log.
	Reason string

	// TargetName is the name of the delivery target (remote server or
	// sink) the transaction was attempted against.
	TargetName string

	// Underlying error value, if any.
	Err error

	// Arbitrary additional fields for the structured log.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+6)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	if se.Err != nil {
		ctx["underlying_err"] = se.Err
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	return se.Message
}

// SMTPCode returns one of the passed codes depending on the result of
// IsTemporaryOrUnspec for the error.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode substitutes the class digit of the base enhanced code
// depending on the result of IsTemporaryOrUnspec for the error.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	code := base
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
