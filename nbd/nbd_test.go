package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportData() []byte {
	b := make([]byte, 8192)
	for i := range b {
		b[i] = byte(i * 3)
	}
	return b
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "nbd.sock")
	srv := NewServer(sock)
	require.NoError(t, srv.AddExport(&Export{
		Name:   "img",
		Reader: bytes.NewReader(exportData()),
		Size:   8192,
	}))
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, sock
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

// negotiateGo performs the fixed-newstyle handshake using NBD_OPT_GO
// with the default export and returns after the final ack.
func negotiateGo(t *testing.T, conn net.Conn) {
	t.Helper()

	greeting := make([]byte, 18)
	_, err := io.ReadFull(conn, greeting)
	require.NoError(t, err)
	assert.Equal(t, nbdMagic, binary.BigEndian.Uint64(greeting[0:8]))
	assert.Equal(t, nbdOptionMagic, binary.BigEndian.Uint64(greeting[8:16]))

	flags := make([]byte, 4)
	binary.BigEndian.PutUint32(flags, nbdFlagCFixedNewstyle|nbdFlagCNoZeroes)
	_, err = conn.Write(flags)
	require.NoError(t, err)

	// NBD_OPT_GO, empty name, no info requests.
	opt := make([]byte, 16+6)
	binary.BigEndian.PutUint64(opt[0:8], nbdOptionMagic)
	binary.BigEndian.PutUint32(opt[8:12], nbdOptGo)
	binary.BigEndian.PutUint32(opt[12:16], 6)
	_, err = conn.Write(opt)
	require.NoError(t, err)

	for {
		option, replyType, data := readOptionReply(t, conn)
		assert.Equal(t, nbdOptGo, option)
		if replyType == nbdRepAck {
			return
		}
		require.Equal(t, nbdRepInfo, replyType)
		if binary.BigEndian.Uint16(data[0:2]) == nbdInfoExport {
			assert.Equal(t, uint64(8192), binary.BigEndian.Uint64(data[2:10]))
			fl := binary.BigEndian.Uint16(data[10:12])
			assert.NotZero(t, fl&nbdFlagReadOnly)
		}
	}
}

func readOptionReply(t *testing.T, conn net.Conn) (option, replyType uint32, data []byte) {
	t.Helper()
	hdr := make([]byte, 20)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	require.Equal(t, nbdReplyMagic, binary.BigEndian.Uint64(hdr[0:8]))
	option = binary.BigEndian.Uint32(hdr[8:12])
	replyType = binary.BigEndian.Uint32(hdr[12:16])
	dataLen := binary.BigEndian.Uint32(hdr[16:20])
	data = make([]byte, dataLen)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	return option, replyType, data
}

func sendRequest(t *testing.T, conn net.Conn, cmd uint16, offset uint64, length uint32) {
	t.Helper()
	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint16(req[6:8], cmd)
	copy(req[8:16], "handle00")
	binary.BigEndian.PutUint64(req[16:24], offset)
	binary.BigEndian.PutUint32(req[24:28], length)
	_, err := conn.Write(req)
	require.NoError(t, err)
}

func readSimpleReply(t *testing.T, conn net.Conn, dataLen int) (uint32, []byte) {
	t.Helper()
	hdr := make([]byte, 16)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	require.Equal(t, nbdSimpleMagic, binary.BigEndian.Uint32(hdr[0:4]))
	assert.Equal(t, "handle00", string(hdr[8:16]))
	errCode := binary.BigEndian.Uint32(hdr[4:8])
	data := make([]byte, dataLen)
	if dataLen > 0 {
		_, err = io.ReadFull(conn, data)
		require.NoError(t, err)
	}
	return errCode, data
}

func TestServeRead(t *testing.T) {
	_, sock := startServer(t)
	conn := dial(t, sock)
	defer conn.Close()
	negotiateGo(t, conn)

	sendRequest(t, conn, nbdCmdRead, 1000, 512)
	errCode, data := readSimpleReply(t, conn, 512)
	assert.Equal(t, nbdErrNone, errCode)
	assert.Equal(t, exportData()[1000:1512], data)

	sendRequest(t, conn, nbdCmdDisc, 0, 0)
}

func TestReadOutOfRange(t *testing.T) {
	_, sock := startServer(t)
	conn := dial(t, sock)
	defer conn.Close()
	negotiateGo(t, conn)

	sendRequest(t, conn, nbdCmdRead, 8000, 512)
	errCode, _ := readSimpleReply(t, conn, 0)
	assert.Equal(t, nbdErrInval, errCode)
}

func TestWriteRejected(t *testing.T) {
	_, sock := startServer(t)
	conn := dial(t, sock)
	defer conn.Close()
	negotiateGo(t, conn)

	sendRequest(t, conn, nbdCmdWrite, 0, 4)
	_, err := conn.Write([]byte("data"))
	require.NoError(t, err)
	errCode, _ := readSimpleReply(t, conn, 0)
	assert.Equal(t, nbdErrPerm, errCode)

	// The stream stays usable after a rejected write.
	sendRequest(t, conn, nbdCmdFlush, 0, 0)
	errCode, _ = readSimpleReply(t, conn, 0)
	assert.Equal(t, nbdErrNone, errCode)
}

func TestListExports(t *testing.T) {
	_, sock := startServer(t)
	conn := dial(t, sock)
	defer conn.Close()

	greeting := make([]byte, 18)
	_, err := io.ReadFull(conn, greeting)
	require.NoError(t, err)
	flags := make([]byte, 4)
	binary.BigEndian.PutUint32(flags, nbdFlagCFixedNewstyle)
	_, err = conn.Write(flags)
	require.NoError(t, err)

	opt := make([]byte, 16)
	binary.BigEndian.PutUint64(opt[0:8], nbdOptionMagic)
	binary.BigEndian.PutUint32(opt[8:12], nbdOptList)
	_, err = conn.Write(opt)
	require.NoError(t, err)

	_, replyType, data := readOptionReply(t, conn)
	require.Equal(t, nbdRepServer, replyType)
	assert.Equal(t, "img", string(data[4:]))

	_, replyType, _ = readOptionReply(t, conn)
	assert.Equal(t, nbdRepAck, replyType)
}

func TestAddExportDuplicate(t *testing.T) {
	srv := NewServer(filepath.Join(t.TempDir(), "s.sock"))
	exp := &Export{Name: "x", Reader: bytes.NewReader(nil), Size: 0}
	require.NoError(t, srv.AddExport(exp))
	assert.Error(t, srv.AddExport(exp))
}

func TestServeNoExports(t *testing.T) {
	srv := NewServer(filepath.Join(t.TempDir(), "s.sock"))
	assert.Error(t, srv.Serve())
}
