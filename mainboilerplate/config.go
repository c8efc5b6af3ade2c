package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigDirEnv names an environment variable which, if set, is the first
// directory searched for an INI configuration file.
const ConfigDirEnv = "ROLLSEC_CONFIG_DIR"

// ConfigSearchPath returns the directories searched for an INI configuration
// file, in order of precedence.
func ConfigSearchPath() []string {
	var dirs []string
	if d := os.Getenv(ConfigDirEnv); d != "" {
		dirs = append(dirs, d)
	}
	dirs = append(dirs, ".")
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "rollsec"))
	}
	return dirs
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file named |configName|, configured environment bindings, and
// explicit flags. Only the first INI file found along ConfigSearchPath is read.
func MustParseConfig(parser *flags.Parser, configName string) {
	// Options of other programs may share the INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var ini = flags.NewIniParser(parser)
	for _, dir := range ConfigSearchPath() {
		var err = ini.ParseFile(filepath.Join(dir, configName))
		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration struct itself is malformed.
		panic(err)
	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(0)
	default:
		// go-flags has already printed a description of the input error.
		os.Exit(1)
	}
}

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined configuration of the INI file, environment, and flags to stdout
// in INI format, which makes it easy to check what a program will run with.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
