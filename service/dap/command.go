package dap

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/kcide/kcdap/pkg/addrmap"
	"github.com/kcide/kcdap/pkg/regs"
)

type cmdfunc func(args []string) (string, error)

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// commands are the debug console commands of a session.
type commands struct {
	cmds []command
	// names holds every command name and alias for completion.
	names *trie.Trie
}

const (
	msgHelp = `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`

	msgAddr = `Prints the address of a source line.

	addr <file>:<line>

The file is either absolute or relative to the project root.`

	msgLoc = `Prints the source line of an address.

	loc <address>

Addresses are decimal, or hexadecimal with a 0x or $ prefix.`

	msgBreakpoints = `Prints the breakpoints of the session.`

	msgBoot = `Boots the emulator.

The program is lost, the session ends.`

	msgReset = `Resets the emulator.

Breakpoints are installed again after the reset.`

	msgMem = `Prints a hex dump of memory.

	mem <address> [count]

The count defaults to the memDumpCount configuration parameter.`

	msgRegs = `Prints the CPU registers.`

	msgSources = `Prints the source files of the address map.`

	msgConfig = `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config <parameter>

Show value of a configuration parameter.

	config <parameter> <value>

Changes the value of a configuration parameter.`
)

// newCommands returns the debug console commands of s with the aliases
// of the config file merged in.
func newCommands(s *Session, aliases map[string][]string) *commands {
	c := &commands{cmds: []command{
		{aliases: []string{"help", "h"}, cmdFn: s.helpMessage, helpMsg: msgHelp},
		{aliases: []string{"addr"}, cmdFn: s.addrCmd, helpMsg: msgAddr},
		{aliases: []string{"loc"}, cmdFn: s.locCmd, helpMsg: msgLoc},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: s.breakpointsCmd, helpMsg: msgBreakpoints},
		{aliases: []string{"boot"}, cmdFn: s.bootCmd, helpMsg: msgBoot},
		{aliases: []string{"reset"}, cmdFn: s.resetCmd, helpMsg: msgReset},
		{aliases: []string{"mem", "x"}, cmdFn: s.memCmd, helpMsg: msgMem},
		{aliases: []string{"regs"}, cmdFn: s.regsCmd, helpMsg: msgRegs},
		{aliases: []string{"sources"}, cmdFn: s.sourcesCmd, helpMsg: msgSources},
		{aliases: []string{"config"}, cmdFn: s.configCmd, helpMsg: msgConfig},
	}}
	c.Merge(aliases)
	return c
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

var errNoCmd = errors.New("command not available")

// find returns the command matching name.
func (c *commands) find(name string) (command, bool) {
	for _, cmd := range c.cmds {
		if cmd.match(name) {
			return cmd, true
		}
	}
	return command{}, false
}

// call parses cmdstr and runs the command.
func (c *commands) call(cmdstr string) (string, error) {
	if strings.TrimSpace(cmdstr) == "" {
		return "", errNoCmd
	}
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return "", err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return "", fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	cmd, ok := c.find(v[0][0])
	if !ok {
		return "", errNoCmd
	}
	return cmd.cmdFn(v[0][1:])
}

// complete returns the command names and aliases starting with prefix.
func (c *commands) complete(prefix string) []string {
	names := c.names.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

func (s *Session) helpMessage(args []string) (string, error) {
	var buf bytes.Buffer
	if len(args) > 0 {
		cmd, ok := s.cmds.find(args[0])
		if !ok {
			return "", errNoCmd
		}
		return cmd.helpMsg, nil
	}

	fmt.Fprintln(&buf, "The following commands are available:")

	for _, cmd := range s.cmds.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(&buf, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(&buf, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Type help followed by a command for full documentation.")
	return buf.String(), nil
}

func (s *Session) addrCmd(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("wrong number of arguments to \"addr\"")
	}
	i := strings.LastIndex(args[0], ":")
	if i <= 0 {
		return "", fmt.Errorf("invalid location %q, want <file>:<line>", args[0])
	}
	file := args[0][:i]
	line, err := strconv.Atoi(args[0][i+1:])
	if err != nil {
		return "", fmt.Errorf("invalid line number %q", args[0][i+1:])
	}
	s.mu.Lock()
	addr, ok := s.loc.addressOf(file, line)
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no code at %s:%d", file, line)
	}
	return formatAddr(addr), nil
}

func (s *Session) locCmd(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("wrong number of arguments to \"loc\"")
	}
	addr, err := addrmap.ParseAddress(args[0])
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	loc, ok := s.loc.resolve(addr)
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%s is not mapped to a source line", formatAddr(addr))
	}
	return loc.String(), nil
}

func (s *Session) breakpointsCmd(args []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.registry.All()
	if len(all) == 0 {
		return "No breakpoints.", nil
	}
	var buf strings.Builder
	for _, bp := range all {
		fmt.Fprintln(&buf, bp)
	}
	return buf.String(), nil
}

func (s *Session) bootCmd(args []string) (string, error) {
	if err := s.target.Boot(); err != nil {
		return "", err
	}
	return "Emulator is booting.", nil
}

func (s *Session) resetCmd(args []string) (string, error) {
	if err := s.target.Reset(); err != nil {
		return "", err
	}
	return "Emulator is resetting.", nil
}

func (s *Session) memCmd(args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", errors.New("wrong number of arguments to \"mem\"")
	}
	addr, err := addrmap.ParseAddress(args[0])
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	count := s.args.MemDumpCount
	s.mu.Unlock()
	if len(args) == 2 {
		if count, err = strconv.Atoi(args[1]); err != nil || count <= 0 {
			return "", fmt.Errorf("invalid count %q", args[1])
		}
	}
	if avail := 0x10000 - int(addr); count > avail {
		count = avail
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	mem, err := s.target.ReadMemory(ctx, addr, count)
	if err != nil {
		return "", err
	}
	data, err := mem.Bytes()
	if err != nil {
		return "", err
	}
	return hexDump(mem.Addr, data), nil
}

// hexDump formats data in lines of 16 bytes prefixed by their address.
func hexDump(addr uint16, data []byte) string {
	var buf strings.Builder
	for len(data) > 0 {
		n := 16
		if len(data) < n {
			n = len(data)
		}
		fmt.Fprintf(&buf, "%04X: %s\n", addr, formatBytes(data[:n]))
		addr += uint16(n)
		data = data[n:]
	}
	return buf.String()
}

func (s *Session) regsCmd(args []string) (string, error) {
	state, err := s.cpuState()
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "CPU %s\n", regs.CPU(state))
	for _, r := range regs.Format(state) {
		fmt.Fprintf(&buf, "%-6s %s\n", r.Name, r.Value)
	}
	return buf.String(), nil
}

func (s *Session) sourcesCmd(args []string) (string, error) {
	s.mu.Lock()
	files := s.loc.amap.Files()
	s.mu.Unlock()
	if len(files) == 0 {
		return "No address map loaded.", nil
	}
	return strings.Join(files, "\n"), nil
}
