package doctor

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doctorList = ` Id   Name              State
-----------------------------------
 1    [Ansible] web-1   running
 2    windows-11        running
 -    [Ansible] web-2   shut off
`

const web1Interfaces = ` Name       MAC address          Protocol     Address
-------------------------------------------------------------------------------
 lo         00:00:00:00:00:00    ipv4         127.0.0.1/8
 eth0       52:54:00:11:22:34    ipv4         10.0.0.5/24
`

const virshVersion = `Compiled against library: libvirt 8.7.0
Using library: libvirt 8.7.0
Using API: QEMU 8.7.0
Running hypervisor: QEMU 7.1.0
Running against daemon: 8.7.0
`

func healthyHost(ctx context.Context, command string) (string, string, int, error) {
	switch {
	case strings.Contains(command, "command -v virsh"):
		return "/usr/bin/virsh\n", "", 0, nil
	case strings.Contains(command, "virsh version"):
		return virshVersion, "", 0, nil
	case strings.Contains(command, "virsh list --all"):
		return doctorList, "", 0, nil
	case strings.Contains(command, "domifaddr '[Ansible] web-1'"):
		return web1Interfaces, "", 0, nil
	case strings.Contains(command, "domifaddr 'windows-11'"):
		return "", "error: Guest agent is not responding: QEMU guest agent is not connected\n", 1, nil
	}
	return "", "unexpected command", 127, nil
}

func TestRunAllHealthyHost(t *testing.T) {
	results := RunAll(context.Background(), healthyHost, Options{NamePattern: regexp.MustCompile(`^\[Ansible\]`)})
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Passed, "check %s should pass: %s", r.Name, r.Message)
	}
	assert.Equal(t, "virsh found at /usr/bin/virsh", results[0].Message)
	assert.Equal(t, "libvirt 8.7.0 answering", results[1].Message)
	assert.Equal(t, "3 domains listed, 2 running", results[2].Message)
	assert.Equal(t, "guest-agent:[Ansible] web-1", results[3].Name)
	assert.Equal(t, "[Ansible] web-1: 10.0.0.5", results[3].Message)
}

func TestRunAllReportsMissingAgent(t *testing.T) {
	results := RunAll(context.Background(), healthyHost, Options{})
	require.Len(t, results, 5)

	agent := results[4]
	assert.Equal(t, "guest-agent:windows-11", agent.Name)
	assert.False(t, agent.Passed)
	assert.Contains(t, agent.Message, "guest agent not available")
	assert.Contains(t, agent.FixCmd, "qemu-guest-agent")
}

func TestRunAllNoAddressOnMatchingInterface(t *testing.T) {
	results := RunAll(context.Background(), healthyHost, Options{
		NamePattern:      regexp.MustCompile(`web-1`),
		InterfacePattern: regexp.MustCompile(`^en`),
	})
	require.Len(t, results, 4)
	assert.False(t, results[3].Passed)
	assert.Contains(t, results[3].Message, "no usable IPv4 address")
}

func TestRunAllBrokenHost(t *testing.T) {
	run := func(ctx context.Context, command string) (string, string, int, error) {
		if strings.Contains(command, "command -v virsh") {
			return "", "", 1, nil
		}
		return "", "error: failed to connect to the hypervisor\nerror: Failed to connect socket\n", 1, nil
	}

	results := RunAll(context.Background(), run, Options{})
	require.Len(t, results, 3, "guest agent checks are skipped without a domain list")
	for _, r := range results {
		assert.False(t, r.Passed, "check %s should fail", r.Name)
		assert.NotEmpty(t, r.FixCmd, "failed check %s should have a fix command", r.Name)
	}
	assert.Equal(t, "libvirt not answering: error: failed to connect to the hypervisor", results[1].Message)
}

func TestRunAllAmbiguousRowsAreReported(t *testing.T) {
	run := func(ctx context.Context, command string) (string, string, int, error) {
		if strings.Contains(command, "virsh list --all") {
			return " Id   Name   State\n------\n 1    vm-running\n", "", 0, nil
		}
		return "", "", 0, nil
	}

	results := RunAll(context.Background(), run, Options{})
	require.Len(t, results, 3)
	assert.True(t, results[2].Passed)
	assert.Contains(t, results[2].Message, "1 rows could not be parsed")
}

func TestLibvirtVersion(t *testing.T) {
	assert.Equal(t, "8.7.0", libvirtVersion(virshVersion))
	assert.Equal(t, "9.1.0", libvirtVersion("Using library: libvirt 9.1.0\n"))
	assert.Empty(t, libvirtVersion("garbage"))
}

func TestPrintResultsAllPass(t *testing.T) {
	results := []CheckResult{
		{Name: "test1", Passed: true, Message: "check 1 ok"},
		{Name: "test2", Passed: true, Message: "check 2 ok"},
	}

	var buf bytes.Buffer
	allPassed := PrintResults(results, &buf, false)
	assert.True(t, allPassed)
	assert.Contains(t, buf.String(), "2/2 passed")
}

func TestPrintResultsWithFailures(t *testing.T) {
	results := []CheckResult{
		{Name: "test1", Passed: true, Message: "check 1 ok"},
		{Name: "test2", Passed: false, Message: "check 2 failed", FixCmd: "fix it"},
	}

	var buf bytes.Buffer
	allPassed := PrintResults(results, &buf, true)
	assert.False(t, allPassed)

	out := buf.String()
	assert.Contains(t, out, "1/2 passed, 1 failed")
	assert.Contains(t, out, "Fix: fix it")
	assert.Contains(t, out, "\033[31m")
}
