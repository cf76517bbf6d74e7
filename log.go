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

package mailout

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/foxcpp/mailout/framework/log"
)

// logTargets is remembered by initLogging so the same set can be
// reopened on SIGUSR2.
var logTargets []string

// LogOutputOption builds the log.Output for a space-separated target
// list as used by the --log flag and the log.output configuration key.
//
// Recognized targets are 'stderr', 'stderr_ts' (with timestamps),
// 'syslog', 'off' and file paths. Multiple targets may be combined,
// except for 'off'.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func initLogging(targets string) error {
	args := strings.Fields(targets)
	if len(args) == 0 {
		args = []string{"stderr"}
	}

	out, err := LogOutputOption(args)
	if err != nil {
		return err
	}
	log.DefaultLogger.Out = out
	logTargets = args
	return nil
}

// reinitLogging closes and reopens all log targets so external log
// rotation does not need to restart the process. File open errors keep
// the old targets in place.
func reinitLogging() {
	if len(logTargets) == 0 {
		return
	}
	out, err := LogOutputOption(logTargets)
	if err != nil {
		log.Println("failed to reinitialize logging:", err)
		return
	}
	if log.DefaultLogger.Out != nil {
		log.DefaultLogger.Out.Close()
	}
	log.DefaultLogger.Out = out
}
