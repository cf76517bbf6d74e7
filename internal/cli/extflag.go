package mailoutcli

import (
	"flag"
	"strings"

	"github.com/urfave/cli/v2"
)

// extFlag implements cli.Flag via standard flag.Flag. It is used to
// expose flags registered by other packages on flag.CommandLine
// (profiling and resolver override knobs) as app-level CLI flags.
type extFlag struct {
	f *flag.Flag
}

func (e *extFlag) Apply(fs *flag.FlagSet) error {
	fs.Var(e.f.Value, e.f.Name, e.f.Usage)
	return nil
}

func (e *extFlag) Names() []string {
	return []string{e.f.Name}
}

func (e *extFlag) IsSet() bool {
	return false
}

func (e *extFlag) String() string {
	return cli.FlagStringer(e)
}

func (e *extFlag) IsVisible() bool {
	return true
}

func (e *extFlag) TakesValue() bool {
	return false
}

func (e *extFlag) GetUsage() string {
	return e.f.Usage
}

func (e *extFlag) GetValue() string {
	return e.f.Value.String()
}

func (e *extFlag) GetDefaultText() string {
	return e.f.DefValue
}

func (e *extFlag) GetEnvVars() []string {
	return nil
}

func mapStdlibFlags(app *cli.App) {
	flag.VisitAll(func(f *flag.Flag) {
		// Flags of the test binary make no sense on the installed
		// executable.
		if strings.HasPrefix(f.Name, "test.") {
			return
		}
		app.Flags = append(app.Flags, &extFlag{f})
	})
}
