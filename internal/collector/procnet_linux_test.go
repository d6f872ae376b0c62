//go:build linux

package collector

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

// writeProc builds a minimal procfs tree under a temp dir.
func writeProc(t *testing.T, files map[string]string, sockets map[int][]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	for pid, targets := range sockets {
		dir := filepath.Join(root, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "fd"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte("proc"+strconv.Itoa(pid)+"\n"), 0o644))
		for i, target := range targets {
			require.NoError(t, os.Symlink(target, filepath.Join(dir, "fd", strconv.Itoa(i+3))))
		}
	}
	return root
}

func TestProcNetSource_Collect(t *testing.T) {
	tcp := tcpHeader +
		// 127.0.0.1:631 LISTEN
		"   0: 0100007F:0277 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1001 1 0000000000000000 100 0 0 10 0\n" +
		// 0.0.0.0:22 LISTEN
		"   1: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1002 1 0000000000000000 100 0 0 10 0\n" +
		// 192.168.1.10:22 <- 203.0.113.9:51000 ESTABLISHED (accepted)
		"   2: 0A01A8C0:0016 097100CB:C738 01 00000000:00000000 00:00000000 00000000     0        0 1003 1 0000000000000000 20 4 30 10 -1\n" +
		// 192.168.1.10:40000 -> 93.184.216.34:443 ESTABLISHED
		"   3: 0A01A8C0:9C40 22D8B85D:01BB 01 00000000:00000000 00:00000000 00000000  1000        0 1004 1 0000000000000000 20 4 30 10 -1\n"
	tcp6 := tcpHeader +
		// [::1]:8080 LISTEN
		"   0: 00000000000000000000000001000000:1F90 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 2001 1 0000000000000000 100 0 0 10 0\n"
	udp := "   sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode ref pointer drops\n" +
		// 0.0.0.0:53 unconnected
		"  10: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 3001 2 0000000000000000 0\n"

	root := writeProc(t, map[string]string{
		"net/tcp":  tcp,
		"net/tcp6": tcp6,
		"net/udp":  udp,
	}, map[int][]string{
		100: {"socket:[1002]", "socket:[1003]", "/dev/null"},
		200: {"socket:[1004]", "pipe:[9]"},
	})

	src, err := NewProcNetSource(root)
	require.NoError(t, err)
	p, err := src.Collect(context.Background())
	require.NoError(t, err)

	byLocal := map[string]Connection{}
	for _, c := range p.Connections {
		byLocal[c.Protocol+" "+c.Local.String()] = c
	}
	require.Len(t, byLocal, 6)

	ssh := byLocal["tcp 0.0.0.0:22"]
	assert.Equal(t, DirectionListen, ssh.Direction)
	assert.Equal(t, "listen", ssh.State)
	assert.Equal(t, 100, ssh.PID)
	assert.Equal(t, "proc100", ssh.Process)

	in := byLocal["tcp 192.168.1.10:22"]
	assert.Equal(t, DirectionInbound, in.Direction)
	assert.Equal(t, "established", in.State)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.9:51000"), in.Remote)
	assert.Equal(t, 100, in.PID)

	out := byLocal["tcp 192.168.1.10:40000"]
	assert.Equal(t, DirectionOutbound, out.Direction)
	assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), out.Remote)
	assert.Equal(t, "proc200", out.Process)

	v6 := byLocal["tcp [::1]:8080"]
	assert.Equal(t, DirectionListen, v6.Direction)
	assert.Zero(t, v6.PID)

	dns := byLocal["udp 0.0.0.0:53"]
	assert.Equal(t, DirectionListen, dns.Direction)
	assert.Equal(t, "procnet", dns.Source)
}

func TestProcNetSource_MissingTablesReadAsEmpty(t *testing.T) {
	root := writeProc(t, map[string]string{"net/tcp": tcpHeader}, nil)
	src, err := NewProcNetSource(root)
	require.NoError(t, err)

	p, err := src.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.Connections)
}

func TestSocketInode(t *testing.T) {
	n, ok := socketInode("socket:[12345]")
	assert.True(t, ok)
	assert.Equal(t, uint64(12345), n)

	_, ok = socketInode("pipe:[12]")
	assert.False(t, ok)
	_, ok = socketInode("socket:[abc]")
	assert.False(t, ok)
}
