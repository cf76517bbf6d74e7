//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxcpp/mailout/framework/hooks"
	"github.com/foxcpp/mailout/framework/log"
)

// handleSignals runs the process until it should stop and returns the
// engine error, if any.
//
// SIGTERM and SIGINT begin a graceful stop: workers finish the attempts
// they started, bounded by shutdownTimeout. SIGHUP reloads the bounce
// rules and the DKIM key directory, SIGUSR2 reopens log files; neither
// returns. engErr firing on its own means the engine hit a fatal
// condition (broker channel loss) and the process must exit non-zero.
func handleSignals(engErr <-chan error, stop func()) error {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR2)
	defer signal.Stop(sig)

	for {
		select {
		case err := <-engErr:
			return err
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				log.Println("SIGHUP received, reloading rules and keys")
				systemdStatus(SDReloading, "Reloading secondary files...")
				hooks.RunHooks(hooks.EventReload)
				systemdStatus(SDReady, "Delivering queued mail...")
			case syscall.SIGUSR2:
				log.Println("SIGUSR2 received, reinitializing logging")
				reinitLogging()
				hooks.RunHooks(hooks.EventLogRotate)
			default:
				go func() {
					s := <-sig
					log.Printf("forced shutdown due to signal (%v)!", s)
					os.Exit(1)
				}()

				log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
				stop()

				select {
				case err := <-engErr:
					return err
				case <-time.After(shutdownTimeout):
					log.Println("shutdown grace period expired, exiting anyway")
					return nil
				}
			}
		}
	}
}
