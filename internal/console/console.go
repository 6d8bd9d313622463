// Package console implements the operator console (§4.L): a line-oriented
// REPL that holds no DHT state of its own and translates every command
// into a nodectx.PeerRequest against one of the nodes it supervises. It
// can run several nodes in one process, each addressed by the index
// assigned when it was started — useful for driving a small multi-node
// network from a single terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harrowgate/kadnet/internal/config"
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/metrics"
	"github.com/harrowgate/kadnet/internal/node"
	"github.com/harrowgate/kadnet/internal/nodectx"
)

const requestTimeout = 5 * time.Second

type managedNode struct {
	n    *node.Node
	ctx  *nodectx.Context
	addr string
}

// Console is the REPL's state: the nodes it has started and the output
// stream responses are rendered to. It is not safe for concurrent RunLine
// calls; the console is driven by one reader loop, same as the teacher's.
type Console struct {
	out    io.Writer
	logger zerolog.Logger
	base   config.Config
	host   string
	port   int

	nodes   []*managedNode
	current int // index of the most recently started/selected node, -1 if none
}

// New builds a console that starts nodes on host, beginning at startPort
// and incrementing per `node start`, writing every reply to out.
func New(out io.Writer, logger zerolog.Logger, host string, startPort int) *Console {
	return &Console{
		out:     out,
		logger:  logger,
		base:    config.Defaults(),
		host:    host,
		port:    startPort,
		current: -1,
	}
}

// Run reads lines from in until EOF or a "quit"/"exit" command. A
// "quit"/"exit" stops every node the console holds before Run returns;
// reaching EOF returns without stopping them.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := c.RunLine(ctx, sc.Text()); err == io.EOF {
			return nil
		}
	}
	return sc.Err()
}

// RunLine executes a single command line, writing its result to the
// console's output stream. It returns io.EOF on "quit"/"exit" so Run
// knows to stop, and a non-nil error for any other failed command.
func (c *Console) RunLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest := splitOnce(line)

	switch strings.ToLower(cmd) {
	case "help":
		c.printf("commands: help, quit, exit, check, node {start|list|connect <ip> <port>|stop <n>|stat <n>|refresh <n>}, add <value>, get <hex-key>, hash <value>")
		return nil

	case "quit", "exit":
		c.stopAll()
		return io.EOF

	case "check":
		c.printf("ok nodes=%d", len(c.nodes))
		return nil

	case "node":
		return c.runNode(ctx, rest)

	case "add":
		return c.runAdd(ctx, rest)

	case "get":
		return c.runGet(ctx, rest)

	case "hash":
		return c.runHash(rest)

	default:
		c.printf("ERR unknown command")
		return fmt.Errorf("console: unknown command %q", cmd)
	}
}

func (c *Console) runNode(ctx context.Context, rest string) error {
	sub, arg := splitOnce(rest)
	switch strings.ToLower(sub) {
	case "start":
		return c.startNode(ctx)
	case "list":
		c.listNodes()
		return nil
	case "connect":
		ip, portStr := splitOnce(arg)
		return c.connectCurrent(ctx, ip, portStr)
	case "stop":
		return c.withIndex(arg, func(idx int) error {
			c.nodes[idx].n.Stop()
			c.printf("node %d stopped", idx)
			return nil
		})
	case "stat":
		return c.withIndex(arg, func(idx int) error {
			resp, err := c.ask(ctx, idx, nodectx.PeerRequest{Op: nodectx.OpStats})
			if err != nil {
				return err
			}
			c.printf("node %d: %s", idx, string(resp.Data))
			return nil
		})
	case "refresh":
		return c.withIndex(arg, func(idx int) error {
			resp, err := c.ask(ctx, idx, nodectx.PeerRequest{Op: nodectx.OpRefresh})
			if err != nil {
				return err
			}
			c.printf("node %d: refreshed, visited=%d", idx, resp.SuccessCount)
			return nil
		})
	default:
		c.printf("ERR unknown node subcommand")
		return fmt.Errorf("console: unknown node subcommand %q", sub)
	}
}

// Adopt registers an already-running node under the next index and makes
// it current, without starting it. Used by the process entrypoint (§4.P)
// to hand its own node supervisor to the console so add/get/check work
// immediately, without an operator having to "node start" it again.
func (c *Console) Adopt(n *node.Node, nctx *nodectx.Context) int {
	idx := len(c.nodes)
	c.nodes = append(c.nodes, &managedNode{n: n, ctx: nctx, addr: n.Self().Address})
	c.current = idx
	return idx
}

func (c *Console) startNode(ctx context.Context) error {
	owner, err := key.Random()
	if err != nil {
		c.printf("ERR %v", err)
		return err
	}

	cfg := c.base
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	cfg.ListenAddr = addr
	c.port++

	idx := len(c.nodes)
	nctx := nodectx.New(owner, cfg, c.logger, metrics.New())
	n := node.New(nctx)
	if err := n.Start(ctx, nil); err != nil {
		c.printf("ERR %v", err)
		return err
	}

	c.nodes = append(c.nodes, &managedNode{n: n, ctx: nctx, addr: addr})
	c.current = idx
	c.printf("node %d started at %s key %s", idx, addr, owner.String()[:16])
	return nil
}

func (c *Console) listNodes() {
	if len(c.nodes) == 0 {
		c.printf("no nodes started")
		return
	}
	for i, m := range c.nodes {
		c.printf("node %d: %s key %s", i, m.addr, m.n.Self().Key.String()[:16])
	}
}

func (c *Console) connectCurrent(ctx context.Context, ip, portStr string) error {
	if ip == "" || portStr == "" {
		c.printf("ERR missing argument")
		return fmt.Errorf("console: connect requires <ip> <port>")
	}
	idx := c.current
	if idx < 0 {
		c.printf("ERR no node started")
		return fmt.Errorf("console: no node started")
	}
	seed := net.JoinHostPort(ip, portStr)
	if err := c.nodes[idx].n.Bootstrap(ctx, []string{seed}); err != nil {
		c.printf("ERR %v", err)
		return err
	}
	c.printf("node %d connected to %s", idx, seed)
	return nil
}

func (c *Console) runAdd(ctx context.Context, rest string) error {
	content := strings.TrimSpace(rest)
	if content == "" {
		c.printf("ERR missing argument")
		return fmt.Errorf("console: add requires a value")
	}
	idx, err := c.requireCurrent()
	if err != nil {
		return err
	}
	resp, err := c.ask(ctx, idx, nodectx.PeerRequest{Op: nodectx.OpAdd, Data: []byte(content)})
	if err != nil {
		c.printf("ERR %v", err)
		return err
	}
	c.printf("%x", resp.Data)
	return nil
}

func (c *Console) runGet(ctx context.Context, rest string) error {
	hexKey := strings.TrimSpace(rest)
	if hexKey == "" {
		c.printf("ERR missing argument")
		return fmt.Errorf("console: get requires a key")
	}
	target, err := key.ParseHex(hexKey)
	if err != nil {
		c.printf("ERR invalid key")
		return err
	}
	idx, err := c.requireCurrent()
	if err != nil {
		return err
	}
	resp, err := c.ask(ctx, idx, nodectx.PeerRequest{Op: nodectx.OpFind, Key: target})
	if err != nil || resp.Err != nil {
		c.printf("NOTFOUND")
		if err == nil {
			err = resp.Err
		}
		return err
	}
	c.printf("%s", string(resp.Data))
	return nil
}

func (c *Console) runHash(rest string) error {
	content := strings.TrimSpace(rest)
	if content == "" {
		c.printf("ERR missing argument")
		return fmt.Errorf("console: hash requires a value")
	}
	c.printf("%s", key.Compute([]byte(content)).String())
	return nil
}

func (c *Console) requireCurrent() (int, error) {
	if c.current < 0 {
		c.printf("ERR no node started")
		return 0, fmt.Errorf("console: no node started")
	}
	return c.current, nil
}

func (c *Console) withIndex(arg string, fn func(idx int) error) error {
	idx, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || idx < 0 || idx >= len(c.nodes) {
		c.printf("ERR invalid node index")
		return fmt.Errorf("console: invalid node index %q", arg)
	}
	return fn(idx)
}

func (c *Console) ask(ctx context.Context, idx int, req nodectx.PeerRequest) (nodectx.PeerResponse, error) {
	req.Reply = make(chan nodectx.PeerResponse, 1)
	select {
	case c.nodes[idx].ctx.Requests <- req:
	case <-time.After(requestTimeout):
		return nodectx.PeerResponse{}, fmt.Errorf("console: node %d did not accept request", idx)
	case <-ctx.Done():
		return nodectx.PeerResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Reply:
		return resp, nil
	case <-time.After(requestTimeout):
		return nodectx.PeerResponse{}, fmt.Errorf("console: node %d did not reply", idx)
	case <-ctx.Done():
		return nodectx.PeerResponse{}, ctx.Err()
	}
}

func (c *Console) stopAll() {
	for i, m := range c.nodes {
		m.n.Stop()
		c.logger.Debug().Int("node", i).Msg("stopped on quit")
	}
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// splitOnce splits s on its first span of whitespace into (head, tail).
func splitOnce(s string) (head, tail string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
