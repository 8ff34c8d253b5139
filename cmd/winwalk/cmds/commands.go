// Package cmds implements the commands of the winwalk command line tool.
package cmds

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/winwalk/winwalk/pkg/config"
	"github.com/winwalk/winwalk/pkg/logflags"
	"github.com/winwalk/winwalk/pkg/pdata"
	"github.com/winwalk/winwalk/pkg/proc"
	"github.com/winwalk/winwalk/pkg/proc/core"
	"github.com/winwalk/winwalk/pkg/proc/native"
	"github.com/winwalk/winwalk/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	// tid selects the thread to walk; 0 means every thread.
	tid uint32
	// depth is the maximum number of frames printed per thread.
	depth int

	conf *config.Config
)

const defaultStackDepth = 64

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "winwalk",
		Short: "Winwalk is a stack walker for x64 Windows targets.",
		Long: `Winwalk reconstructs call stacks of x64 Windows processes from the unwind
metadata (.pdata/.xdata) embedded in their executable images. It works on
minidump files on any operating system, and on live processes on Windows.`,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging output.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'winwalk help log')`)

	stackCommand := &cobra.Command{
		Use:   "stack <dumpfile>",
		Short: "Print the stack trace of the threads of a minidump.",
		Long: `Print the stack trace of the threads of a minidump.

By default every thread is walked. Use --tid to restrict the output to a
single thread.`,
		Args: cobra.ExactArgs(1),
		RunE: stackCmd,
	}
	stackCommand.Flags().Uint32Var(&tid, "tid", 0, "Walk only the thread with this id.")
	stackCommand.Flags().IntVar(&depth, "depth", 0, "Maximum number of frames per thread.")
	rootCommand.AddCommand(stackCommand)

	threadsCommand := &cobra.Command{
		Use:   "threads <dumpfile>",
		Short: "List the threads of a minidump.",
		Args:  cobra.ExactArgs(1),
		RunE:  threadsCmd,
	}
	rootCommand.AddCommand(threadsCommand)

	modulesCommand := &cobra.Command{
		Use:   "modules <dumpfile>",
		Short: "List the modules loaded in a minidump.",
		Args:  cobra.ExactArgs(1),
		RunE:  modulesCmd,
	}
	rootCommand.AddCommand(modulesCommand)

	funcsCommand := &cobra.Command{
		Use:   "funcs <dumpfile> [module]",
		Short: "Print the runtime function table of the modules of a minidump.",
		Long: `Print the runtime function table of the modules of a minidump.

If a module name is specified only modules whose name starts with it are
listed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: funcsCmd,
	}
	rootCommand.AddCommand(funcsCommand)

	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Print the stack trace of the threads of a running process.",
		Long: `Print the stack trace of the threads of a running process.

The threads of the process are suspended while their stacks are walked and
resumed afterwards. Only supported on Windows.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().Uint32Var(&tid, "tid", 0, "Walk only the thread with this id.")
	attachCommand.Flags().IntVar(&depth, "depth", 0, "Maximum number of frames per thread.")
	rootCommand.AddCommand(attachCommand)

	xdataCommand := &cobra.Command{
		Use:   "xdata <image> [rva]",
		Short: "Print the unwind metadata of a PE file on disk.",
		Long: `Print the unwind metadata of a PE file on disk.

Without an rva the function table is listed. With one the unwind record of
the function containing it is decoded. Bare file names are searched for in
the directories of image-search-path from the configuration file.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: xdataCmd,
	}
	rootCommand.AddCommand(xdataCommand)

	regsCommand := &cobra.Command{
		Use:   "regs <dumpfile>",
		Short: "Print the register contexts of the threads of a minidump.",
		Args:  cobra.ExactArgs(1),
		RunE:  regsCmd,
	}
	regsCommand.Flags().Uint32Var(&tid, "tid", 0, "Print only the thread with this id.")
	rootCommand.AddCommand(regsCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Winwalk Stack Walker\n%s\n", version.WinwalkVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	for _, cmd := range rootCommand.Commands() {
		if aliases, ok := conf.Aliases[cmd.Name()]; ok {
			cmd.Aliases = append(cmd.Aliases, aliases...)
		}
	}

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag.

Use --log-output to select which components should produce logs:

	unwind		Log each unwind step
	stack		Log stack walk policy decisions
	minidump	Log minidump loading
	pdata		Log function table and unwind info decoding
	target		Log target construction (dump open, attach)

Defaults to "stack" when --log-output is not specified.`,
	})

	return rootCommand
}

func setupLog(cmd *cobra.Command) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	return nil
}

func stackCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	t, err := core.OpenMinidump(args[0])
	if err != nil {
		return err
	}
	return printStacks(t)
}

func attachCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid pid %q: %v", args[0], err)
	}
	t, detach, err := native.Attach(uint32(pid))
	if err != nil {
		return err
	}
	defer detach()
	return printStacks(t)
}

func printStacks(t *proc.Target) error {
	out := stdout()

	maxDepth := depth
	if maxDepth <= 0 {
		maxDepth = defaultStackDepth
		if conf.MaxStackDepth != nil {
			maxDepth = *conf.MaxStackDepth
		}
	}

	threads := t.SortedThreads()
	if tid != 0 {
		th := t.Threads[tid]
		if th == nil {
			return fmt.Errorf("no thread with id %d", tid)
		}
		threads = []*proc.Thread{th}
	}

	for _, th := range threads {
		fmt.Fprintf(out, "Thread %d:\n", th.ID)
		frames, err := proc.ThreadStacktrace(t, th, maxDepth)
		for i := range frames {
			printFrame(out, i, &frames[i])
		}
		if err != nil {
			fmt.Fprintf(out, "\t(stack walk stopped: %v)\n", err)
		}
	}
	return nil
}

func printFrame(out io.Writer, i int, frame *proc.Stackframe) {
	location := "?"
	if frame.Module != nil {
		location = fmt.Sprintf("%s+%#x", colorize(frame.Module.Name()), frame.PC()-frame.Module.Base())
	}
	fmt.Fprintf(out, "\t%2d  %#016x  %s", i, frame.PC(), location)
	if frame.Method != 0 {
		fmt.Fprintf(out, "  [%s]", frame.Method)
	}
	fmt.Fprintf(out, "\n")
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	t, err := core.OpenMinidump(args[0])
	if err != nil {
		return err
	}
	out := stdout()
	for _, th := range t.SortedThreads() {
		marker := " "
		if th == t.CurrentThread {
			marker = "*"
		}
		fmt.Fprintf(out, "%s Thread %d  rip:%#x rsp:%#x teb:%#x\n", marker, th.ID, th.Context.Rip, th.Context.Rsp, th.TEB)
	}
	return nil
}

// findImage resolves a bare file name through the image search path.
func findImage(name string) string {
	if _, err := os.Stat(name); err == nil || filepath.IsAbs(name) {
		return name
	}
	for _, dir := range conf.ImageSearchPath {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

func xdataCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	entries, f, err := pdata.ParseFile(findImage(args[0]))
	if err != nil {
		return err
	}
	defer f.Close()

	out := stdout()
	if len(args) == 1 {
		for i := range entries {
			e := &entries[i]
			fmt.Fprintf(out, "%#010x - %#010x  unwind info at %#x\n", e.BeginRVA, e.EndRVA, e.UnwindInfoRVA)
		}
		return nil
	}

	rva, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid rva %q: %v", args[1], err)
	}
	entry, err := entries.EntryForRVA(uint32(rva))
	if err != nil {
		return err
	}
	info, err := pdata.UnwindInfoFromFile(f, entry.UnwindInfoRVA)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "function %#x - %#x\n", entry.BeginRVA, entry.EndRVA)
	fmt.Fprintf(out, "version %d flags %#x prologue size %#x\n", info.Version, info.Flags, info.SizeOfProlog)
	if info.FrameRegister != 0 {
		fmt.Fprintf(out, "frame register %s at offset %#x\n", info.FrameRegister, info.FrameOffset)
	}
	for _, code := range info.Codes {
		fmt.Fprintf(out, "\t+%#02x  %s\n", code.PrologOffset(), describeCode(code))
	}
	if info.Chained != nil {
		fmt.Fprintf(out, "chained to function %#x - %#x\n", info.Chained.BeginRVA, info.Chained.EndRVA)
	}
	return nil
}

func describeCode(code pdata.UnwindCode) string {
	switch c := code.(type) {
	case pdata.PushNonVolatile:
		return fmt.Sprintf("push %s", c.Reg)
	case pdata.AllocStack:
		return fmt.Sprintf("sub rsp, %#x", c.Size)
	case pdata.SetFrameRegister:
		return fmt.Sprintf("lea %s, [rsp+%#x]", c.Reg, c.FrameOffset)
	case pdata.SaveNonVolatile:
		return fmt.Sprintf("mov [rsp+%#x], %s", c.SlotOffset, c.Reg)
	case pdata.SaveXMM128:
		return fmt.Sprintf("movaps [rsp+%#x], xmm%d", c.SlotOffset, c.Reg)
	case pdata.PushMachineFrame:
		if c.HasErrorCode {
			return "machine frame with error code"
		}
		return "machine frame"
	}
	return fmt.Sprintf("%#v", code)
}

func regsCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	t, err := core.OpenMinidump(args[0])
	if err != nil {
		return err
	}
	out := stdout()
	for _, th := range t.SortedThreads() {
		if tid != 0 && th.ID != tid {
			continue
		}
		fmt.Fprintf(out, "Thread %d:\n", th.ID)
		for _, reg := range th.Context.Slice() {
			fmt.Fprintf(out, "\t%-8s = %#016x\n", reg.Name, reg.Value)
		}
	}
	return nil
}

func modulesCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	t, err := core.OpenMinidump(args[0])
	if err != nil {
		return err
	}
	out := stdout()
	for _, m := range t.Modules.All() {
		fmt.Fprintf(out, "%#016x  %#010x  %s\n", m.Base(), m.Size(), colorize(m.Name()))
	}
	return nil
}

func funcsCmd(cmd *cobra.Command, args []string) error {
	if err := setupLog(cmd); err != nil {
		return err
	}
	t, err := core.OpenMinidump(args[0])
	if err != nil {
		return err
	}

	modules := t.Modules.All()
	if len(args) > 1 {
		modules = t.Modules.FindByPrefix(args[1])
		if len(modules) == 0 {
			return fmt.Errorf("no module matches %q", args[1])
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Base() < modules[j].Base() })

	out := stdout()
	for _, m := range modules {
		entries, err := m.FunctionTable()
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", m.Name(), err)
			continue
		}
		fmt.Fprintf(out, "%s: %d functions\n", colorize(m.Name()), len(entries))
		for i := range entries {
			e := &entries[i]
			fmt.Fprintf(out, "\t%#016x - %#016x  unwind info at %#x\n", m.Base()+uint64(e.BeginRVA), m.Base()+uint64(e.EndRVA), e.UnwindInfoRVA)
		}
	}
	return nil
}

func stdout() io.Writer {
	if useColors() {
		return colorable.NewColorableStdout()
	}
	return os.Stdout
}

func useColors() bool {
	if conf.DisableColors {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func colorize(name string) string {
	if !useColors() {
		return name
	}
	color := conf.ModuleColor
	if color == 0 {
		color = 34
	}
	return fmt.Sprintf("\033[%dm%s\033[0m", color, name)
}
