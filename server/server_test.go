package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixxel-company-limited/pjl-scancounter/adapter"
	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
	"github.com/nixxel-company-limited/pjl-scancounter/pjl"
)

// MockAdapter is a mock implementation of the Adapter interface for testing
type MockAdapter struct {
	mu         sync.Mutex
	open       bool
	canReceive bool
	reply      string
	writeData  []byte
	sends      [][]byte
}

func (m *MockAdapter) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

func (m *MockAdapter) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeData = append(m.writeData, frame...)
	m.sends = append(m.sends, append([]byte(nil), frame...))
	return nil
}

func (m *MockAdapter) TryReceive(time.Duration) (string, error) {
	if !m.canReceive {
		return "", adapter.ErrUnsupported
	}
	return m.reply, nil
}

func (m *MockAdapter) CanReceive() bool {
	return m.canReceive
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *MockAdapter) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockAdapter) Kind() endpoint.Kind {
	return endpoint.KindUSBDirect
}

func (m *MockAdapter) written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeData...)
}

func (m *MockAdapter) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func (m *MockAdapter) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sends...)
}

func TestNewServer(t *testing.T) {
	mockAdapter := &MockAdapter{}
	address := "localhost:9100"

	server := New(mockAdapter, address)

	assert.NotNil(t, server)
	assert.Equal(t, address, server.Address())
	assert.False(t, server.IsRunning())
	assert.Equal(t, mockAdapter, server.GetAdapter())
}

func TestServerStartStop(t *testing.T) {
	mockAdapter := &MockAdapter{}
	address := "localhost:19101"

	server := New(mockAdapter, address)

	// Test start async (non-blocking)
	err := server.StartAsync()
	require.NoError(t, err)
	assert.True(t, server.IsRunning())
	assert.True(t, mockAdapter.IsOpen())

	// Test double start
	err = server.StartAsync()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Test stop
	err = server.Stop()
	require.NoError(t, err)
	assert.False(t, server.IsRunning())
	assert.False(t, mockAdapter.IsOpen())

	// Test double stop (should not error)
	err = server.Stop()
	assert.NoError(t, err)
}

func TestServerConnection(t *testing.T) {
	mockAdapter := &MockAdapter{}
	address := "localhost:19102"

	server := New(mockAdapter, address)

	err := server.StartAsync()
	require.NoError(t, err)
	defer server.Stop()

	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()

	testData := []byte("Hello, Printer!")
	n, err := conn.Write(testData)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)

	// Give server time to process
	time.Sleep(100 * time.Millisecond)

	// no UEL yet, so the write-only adapter has not been handed a job
	assert.Empty(t, mockAdapter.written())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return mockAdapter.sendCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, testData, mockAdapter.written())
}

func TestServerJoinsSplitJob(t *testing.T) {
	mockAdapter := &MockAdapter{}
	address := "localhost:19108"

	server := New(mockAdapter, address)
	require.NoError(t, server.StartAsync())
	defer server.Stop()

	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()

	first, err := pjl.Build("@PJL SET SCANCOUNT=1234")
	require.NoError(t, err)
	second, err := pjl.Build("@PJL DEFAULT MFPSCANCOUNT=1234")
	require.NoError(t, err)

	half := len(first) / 2
	_, err = conn.Write(first[:half])
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, mockAdapter.sendCount())

	// rest of the first job and all of the second arrive together
	_, err = conn.Write(append(append([]byte(nil), first[half:]...), second...))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mockAdapter.sendCount() == 2 }, time.Second, 10*time.Millisecond)
	sends := mockAdapter.sent()
	assert.Equal(t, first, sends[0])
	assert.Equal(t, second, sends[1])
}

func TestSplitJobs(t *testing.T) {
	frame, err := pjl.Build("@PJL INFO ID")
	require.NoError(t, err)

	jobs, rest := splitJobs(frame[:5])
	assert.Empty(t, jobs)
	assert.Equal(t, frame[:5], rest)

	jobs, rest = splitJobs(append(append([]byte(nil), frame...), frame[:3]...))
	require.Len(t, jobs, 1)
	assert.Equal(t, frame, jobs[0])
	assert.Equal(t, frame[:3], rest)

	// bytes ahead of the opening UEL travel with the job
	raw := append([]byte("junk"), frame...)
	jobs, rest = splitJobs(raw)
	require.Len(t, jobs, 1)
	assert.Equal(t, raw, jobs[0])
	assert.Empty(t, rest)
}

func TestServerRelaysReplies(t *testing.T) {
	mockAdapter := &MockAdapter{canReceive: true, reply: "@PJL INQUIRE SCANCOUNT\r\nSCANCOUNT=321"}
	address := "localhost:19103"

	server := New(mockAdapter, address)
	server.SetReplyTimeout(50 * time.Millisecond)

	require.NoError(t, server.StartAsync())
	defer server.Stop()

	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := pjl.Build("@PJL INQUIRE SCANCOUNT")
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\f')
	require.NoError(t, err)

	value, ok := pjl.ExtractCounter(reply)
	require.True(t, ok)
	assert.Equal(t, 321, value)
	assert.True(t, strings.HasSuffix(reply, "\r\n\f"))
}

func TestServerThroughSocketAdapter(t *testing.T) {
	mockAdapter := &MockAdapter{canReceive: true, reply: "SCANCOUNT=55"}
	address := "localhost:19104"

	server := New(mockAdapter, address)
	require.NoError(t, server.StartAsync())
	defer server.Stop()

	client := adapter.NewSocketAdapter("localhost", 19104, adapter.Options{PollInterval: 50 * time.Millisecond})
	require.NoError(t, client.Open())
	defer client.Close()

	frame, err := pjl.Build("@PJL INQUIRE SCANCOUNT")
	require.NoError(t, err)
	require.NoError(t, client.Send(frame))

	reply, err := client.TryReceive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SCANCOUNT=55", reply)
}

func TestServerMultipleConnections(t *testing.T) {
	mockAdapter := &MockAdapter{canReceive: true}
	address := "localhost:19105"

	server := New(mockAdapter, address)

	err := server.StartAsync()
	require.NoError(t, err)
	defer server.Stop()

	numConnections := 3
	for i := 0; i < numConnections; i++ {
		conn, err := net.Dial("tcp", address)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte{byte(i + 1)})
		require.NoError(t, err)
	}

	// Give server time to process
	time.Sleep(200 * time.Millisecond)

	assert.Len(t, mockAdapter.written(), numConnections)
}

func TestServerAddress(t *testing.T) {
	mockAdapter := &MockAdapter{}
	testCases := []string{
		"localhost:9100",
		"0.0.0.0:9100",
		":9100",
	}

	for _, addr := range testCases {
		t.Run(addr, func(t *testing.T) {
			server := New(mockAdapter, addr)
			assert.Equal(t, addr, server.Address())
		})
	}
}

func TestServerInvalidAddress(t *testing.T) {
	mockAdapter := &MockAdapter{}
	server := New(mockAdapter, "invalid:address:9100")

	err := server.StartAsync()
	assert.Error(t, err)
	assert.False(t, server.IsRunning())
	assert.False(t, mockAdapter.IsOpen())
}

func TestServerStopClosesIdleClients(t *testing.T) {
	mockAdapter := &MockAdapter{}
	address := "localhost:19106"

	server := New(mockAdapter, address)

	started := make(chan error)
	go func() {
		started <- server.Start()
	}()

	require.Eventually(t, server.IsRunning, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("Blocking test"))
	require.NoError(t, err)

	// Give time to process
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, server.Stop())

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func TestServerWithRealUSBAdapter(t *testing.T) {
	usbAdapter := adapter.NewUSBAdapter(adapter.VendorHP, 0, adapter.Options{})
	if err := usbAdapter.Open(); err != nil {
		t.Skip("No USB printer found, skipping test")
	}
	defer usbAdapter.Close()

	address := "localhost:19107"
	server := New(usbAdapter, address)

	require.NoError(t, server.StartAsync())
	defer server.Stop()

	conn, err := net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := pjl.Build("@PJL INFO ID")
	require.NoError(t, err)
	n, err := conn.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	// Give time for printer to process
	time.Sleep(100 * time.Millisecond)
}
