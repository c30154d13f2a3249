package cmds

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
	"github.com/sbx-tool/sbxhook/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// configFile is the config file whose offsets and patches are used.
	configFile string

	// minLen is the number of bytes a plan has to cover.
	minLen int
	// trampolineAt is where the plan is relocated to, if set.
	trampolineAt hexValue
	// imageBase overrides the preferred base of the PE file.
	imageBase hexValue
)

const sbxhookCommandLongDesc = `sbxhook is the offline companion of the sbxhook engine DLL.

It prints the offset table the engine uses, shows which instructions a detour
at a given location would relocate, and writes the default configuration.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "sbxhook",
		Short:         "sbxhook inspects hook locations of the game.",
		Long:          sbxhookCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output.")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	// 'offsets' subcommand.
	offsetsCommand := &cobra.Command{
		Use:   "offsets",
		Short: "Prints the offset table.",
		Long: `Prints the built-in offset table with the overrides of a config file applied.

Entries printed as "-" are unknown for this build of the game and must be
configured before the features using them can be enabled.`,
		Args: cobra.NoArgs,
		RunE: offsetsCmd,
	}
	offsetsCommand.Flags().StringVarP(&configFile, "config", "c", "", "Config file whose offsets override the built-in ones.")
	rootCommand.AddCommand(offsetsCommand)

	// 'plan' subcommand.
	planCommand := &cobra.Command{
		Use:   "plan <pe-file> <location>",
		Short: "Prints the instructions a detour at location relocates.",
		Long: `Decodes the prologue at location in a PE file and prints the instructions
a detour would move into its trampoline.

location is a relative virtual address, the name of an entry of the offset
table whose module is the PE file, or the name of an exported function:

	sbxhook plan sbx.exe ui-loop-inner
	sbxhook plan d3d9.dll 0x67510
	sbxhook plan kernel32.dll CreateFileA

With --at the relocated trampoline bytes for that address are printed too.`,
		Args: cobra.ExactArgs(2),
		RunE: planCmd,
	}
	planCommand.Flags().IntVar(&minLen, "min", intercept.JumpLen, "Number of bytes the detour overwrites.")
	planCommand.Flags().Var(&trampolineAt, "at", "Address to relocate the instructions to.")
	planCommand.Flags().Var(&imageBase, "image-base", "Base address the module is loaded at instead of its preferred base.")
	planCommand.Flags().StringVarP(&configFile, "config", "c", "", "Config file whose offsets override the built-in ones.")
	rootCommand.AddCommand(planCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [path]",
		Short: "Writes the default configuration.",
		Long: `Writes the commented default configuration to path, or to standard output
when no path is given. An existing file is not overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: configCmd,
	}
	rootCommand.AddCommand(configCommand)

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check <config>",
		Short: "Validates a config file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, offsets, err := loadTable(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d patches, %d offset overrides, %d offsets known\n", args[0], len(conf.Patches), len(conf.Offsets), countSet(offsets))
			return nil
		},
	}
	rootCommand.AddCommand(checkCommand)

	// 'version' subcommand.
	var buildInfo bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sbxhook\n%s\n", version.SbxhookVersion)
			if buildInfo {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&buildInfo, "verbose", "v", false, "print build info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.DisableAutoGenTag = true
	return rootCommand
}

func countSet(t sbx.Offsets) int {
	n := 0
	for _, o := range t {
		if o.Set {
			n++
		}
	}
	return n
}

// loadTable returns the config at path and the offset table with its
// overrides applied. An empty path returns the built-in table.
func loadTable(path string) (*config.Config, sbx.Offsets, error) {
	offsets := sbx.DefaultOffsets()
	if path == "" {
		return &config.Config{}, offsets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	conf, err := config.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := offsets.Apply(conf.Offsets); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return conf, offsets, nil
}

func offsetsCmd(cmd *cobra.Command, args []string) error {
	_, offsets, err := loadTable(configFile)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOCATION\tDESCRIPTION")
	for _, o := range offsets.Sorted() {
		loc := "-"
		if o.Set {
			loc = o.Loc().String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Name, loc, o.Doc)
	}
	return w.Flush()
}

func planCmd(cmd *cobra.Command, args []string) error {
	img, err := openImage(args[0])
	if err != nil {
		return err
	}
	if imageBase.set {
		img.base = uint64(imageBase.v)
	}
	_, offsets, err := loadTable(configFile)
	if err != nil {
		return err
	}
	rva, err := img.locate(args[1], offsets)
	if err != nil {
		return err
	}
	p, err := img.plan(rva, minLen)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s+%#x at %#x, %d-bit, %d bytes stolen\n", img.name, rva, p.Start, p.Mode, p.Stolen)
	fmt.Fprint(out, p.String())
	if trampolineAt.set {
		code, err := p.Relocate(uintptr(trampolineAt.v))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "trampoline at %#x:\n% x\n", trampolineAt.v, code)
	}
	return nil
}

func configCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		w := bufio.NewWriter(cmd.OutOrStdout())
		if err := config.WriteDefaultConfig(w); err != nil {
			return err
		}
		return w.Flush()
	}
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := config.WriteDefaultConfig(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

// sameModule reports whether the table module name m refers to the file
// called name. The empty module is the host executable, any .exe matches.
func sameModule(m, name string) bool {
	name = strings.ToLower(filepath.Base(name))
	if m == "" {
		return strings.HasSuffix(name, ".exe")
	}
	return strings.ToLower(m) == name
}
