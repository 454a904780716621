package it

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"philosophers/internal/status"
)

// Cluster represents a ring of philosopher processes
type Cluster struct {
	nodes      []*Node
	logDir     string
	binaryPath string
	mu         sync.Mutex
}

// Node represents a single philosopher process
type Node struct {
	ID         int
	Port       int
	StatusAddr string
	cmd        *exec.Cmd
	logFile    *os.File
	client     *http.Client
	exited     chan struct{}
}

// NewCluster creates a new test cluster harness
func NewCluster(binaryPath string) (*Cluster, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Cluster{
		nodes:      make([]*Node, 0),
		logDir:     logDir,
		binaryPath: binaryPath,
	}, nil
}

// StartNode spawns one philosopher. It does not wait for readiness, since a
// node only becomes ready once both of its neighbors run.
func (c *Cluster) StartNode(ctx context.Context, id, port, leftPort, rightPort, statusPort int, extraArgs ...string) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logPath := filepath.Join(c.logDir, fmt.Sprintf("node-%d.log", id))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	statusAddr := fmt.Sprintf("127.0.0.1:%d", statusPort)
	args := []string{
		"--id", strconv.Itoa(id),
		"--listen-port", strconv.Itoa(port),
		"--left", fmt.Sprintf("127.0.0.1:%d", leftPort),
		"--right", fmt.Sprintf("127.0.0.1:%d", rightPort),
		"--status-addr", statusAddr,
		"--env-file", "",
	}
	args = append(args, extraArgs...)

	cmd := exec.CommandContext(ctx, c.binaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start node %d: %w", id, err)
	}

	node := &Node{
		ID:         id,
		Port:       port,
		StatusAddr: statusAddr,
		cmd:        cmd,
		logFile:    logFile,
		client:     &http.Client{Timeout: 2 * time.Second},
		exited:     make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(node.exited)
	}()

	c.nodes = append(c.nodes, node)
	return node, nil
}

// StartRing starts an n-node ring on consecutive ports from basePort and
// waits until every node reports ready
func (c *Cluster) StartRing(ctx context.Context, n, basePort int, extraArgs ...string) error {
	if _, err := os.Stat(c.binaryPath); os.IsNotExist(err) {
		return fmt.Errorf("binary not found at %s, build it first with 'go build -o %s ./cmd/philosopher'", c.binaryPath, c.binaryPath)
	}

	for i := 0; i < n; i++ {
		port := basePort + i
		left := basePort + (i+n-1)%n
		right := basePort + (i+1)%n
		statusPort := basePort + 100 + i
		if _, err := c.StartNode(ctx, i+1, port, left, right, statusPort, extraArgs...); err != nil {
			c.Stop()
			return err
		}
	}

	for _, node := range c.Nodes() {
		if err := c.waitForReady(ctx, node, 30*time.Second); err != nil {
			c.Stop()
			return fmt.Errorf("node %d failed to become ready: %w", node.ID, err)
		}
	}
	return nil
}

// waitForReady waits for a node to be ready by checking health endpoint
func (c *Cluster) waitForReady(ctx context.Context, node *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-node.exited:
			return fmt.Errorf("node %d exited before becoming ready", node.ID)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %d to be ready", node.ID)
			}

			resp, err := node.client.Get("http://" + node.StatusAddr + "/healthz")
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Status fetches the node's status document
func (n *Node) Status(ctx context.Context) (status.Status, error) {
	var st status.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+n.StatusAddr+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return st, fmt.Errorf("failed to get status of node %d: %w", n.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("node %d status: %s", n.ID, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("failed to decode status of node %d: %w", n.ID, err)
	}
	return st, nil
}

// WaitExit waits for the process to exit and returns its exit code
func (n *Node) WaitExit(timeout time.Duration) (int, error) {
	select {
	case <-n.exited:
		return n.cmd.ProcessState.ExitCode(), nil
	case <-time.After(timeout):
		return 0, fmt.Errorf("node %d still running after %s", n.ID, timeout)
	}
}

// Stop stops a single node
func (n *Node) Stop() {
	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		<-n.exited
	}
	if n.logFile != nil {
		n.logFile.Close()
	}
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		node.Stop()
	}
	c.nodes = nil
}

// Nodes returns the running nodes in start order
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(id int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// KillNode kills a specific node
func (c *Cluster) KillNode(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, node := range c.nodes {
		if node.ID == id {
			if node.cmd != nil && node.cmd.Process != nil {
				if err := node.cmd.Process.Kill(); err != nil {
					return fmt.Errorf("failed to kill node %d: %w", id, err)
				}
				<-node.exited
			}
			return nil
		}
	}
	return fmt.Errorf("node %d not found", id)
}
