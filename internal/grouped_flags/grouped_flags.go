// Package grouped_flags provides a small wrapper around github.com/jnovack/flag
// to allow grouping flags in the help output. Every flag can also be supplied
// through an environment variable, whose name is derived from the flag name
// and the configured prefix (e.g. -upload-dir becomes TUSDISK_UPLOAD_DIR).
package grouped_flags

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/jnovack/flag"
)

type flagGroup struct {
	name  string
	flags *flag.FlagSet
}

type FlagGroupSet struct {
	groups   []flagGroup
	allFlags *flag.FlagSet
	output   io.Writer
	name     string
}

// NewFlagGroupSet creates an empty set. envPrefix may be empty, in which case
// environment variables are looked up by the bare upper-cased flag name.
func NewFlagGroupSet(name string, envPrefix string, errorHandling flag.ErrorHandling) *FlagGroupSet {
	f := &FlagGroupSet{
		groups:   make([]flagGroup, 0),
		allFlags: flag.NewFlagSetWithEnvPrefix(name, envPrefix, errorHandling),
		output:   os.Stderr,
		name:     name,
	}

	f.allFlags.Usage = f.Usage

	return f
}

func (f *FlagGroupSet) AddGroup(name string, constructor func(*flag.FlagSet)) {
	// Construct an empty flag set
	groupFlagSet := flag.NewFlagSet("", flag.PanicOnError)

	// Pass it to the callback, which populates it with the flags for this group
	constructor(groupFlagSet)

	// Add the flags to the combined flag set, which is used for parsing
	groupFlagSet.VisitAll(func(fl *flag.Flag) {
		f.allFlags.Var(fl.Value, fl.Name, fl.Usage)
	})

	f.groups = append(f.groups, flagGroup{
		name,
		groupFlagSet,
	})
}

// Parse parses the arguments (without the program name) and afterwards the
// environment for flags which were not set explicitly.
func (f *FlagGroupSet) Parse(arguments []string) error {
	return f.allFlags.Parse(arguments)
}

// Visit calls fn for every flag that has been set, either on the command line
// or through the environment.
func (f *FlagGroupSet) Visit(fn func(*flag.Flag)) {
	f.allFlags.Visit(fn)
}

func (f *FlagGroupSet) SetOutput(output io.Writer) {
	f.output = output
	f.allFlags.SetOutput(output)
}

func (f *FlagGroupSet) Usage() {
	output := f.output

	// Print name of program
	fmt.Fprintf(output, "Usage of %s:\n\n", f.name)

	for _, group := range f.groups {
		// Print name of group
		fmt.Fprintf(output, "%s:\n", group.name)

		// Write flag description into buffer and then print
		buf := new(bytes.Buffer)
		group.flags.SetOutput(buf)
		group.flags.PrintDefaults()

		fmt.Fprintln(output, buf.String())
	}
}
