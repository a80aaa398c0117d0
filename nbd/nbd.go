// Package nbd serves io.ReaderAt sources as read-only network block
// devices over the NBD newstyle protocol on a unix socket. It lets a
// SquashFS image, a partition, or a single uncompressed file inside
// one be attached locally with nbd-client.
package nbd

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	nbdMagic        = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic  = uint64(0x49484156454F5054) // "IHAVEOPT"
	nbdReplyMagic   = uint64(0x3e889045565a9)
	nbdRequestMagic = uint32(0x25609513)
	nbdSimpleMagic  = uint32(0x67446698)

	nbdFlagFixedNewstyle  = uint16(1 << 0)
	nbdFlagNoZeroes       = uint16(1 << 1)
	nbdFlagCFixedNewstyle = uint32(1 << 0)
	nbdFlagCNoZeroes      = uint32(1 << 1)

	nbdFlagHasFlags = uint16(1 << 0)
	nbdFlagReadOnly = uint16(1 << 1)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)
	nbdCmdTrim  = uint16(4)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	preferredBlockSize = uint32(4096)
)

// Export is a named read-only block device.
type Export struct {
	Name   string
	Reader io.ReaderAt
	Size   int64
}

// Server accepts NBD clients on a unix socket and serves the
// registered exports.
type Server struct {
	socketPath string
	exports    map[string]*Export
	exportsMu  sync.RWMutex
	listener   net.Listener
	done       chan struct{}
	log        *logrus.Entry
}

type session struct {
	server   *Server
	conn     net.Conn
	export   *Export
	noZeroes bool
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		exports:    make(map[string]*Export),
		done:       make(chan struct{}),
		log:        logrus.WithField("component", "nbd"),
	}
}

// AddExport registers an export. Names must be unique.
func (s *Server) AddExport(exp *Export) error {
	s.exportsMu.Lock()
	defer s.exportsMu.Unlock()
	if _, exists := s.exports[exp.Name]; exists {
		return errors.Errorf("export %q already exists", exp.Name)
	}
	s.exports[exp.Name] = exp
	return nil
}

func (s *Server) getExport(name string) *Export {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	return s.exports[name]
}

func (s *Server) listExports() []string {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	return names
}

// Serve listens and handles clients until Close is called.
func (s *Server) Serve() error {
	if len(s.exports) == 0 {
		return errors.New("no exports defined")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing stale socket")
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		s.log.WithError(err).Warn("chmod socket")
	}

	s.log.WithField("socket", s.socketPath).Info("listening")
	for _, exp := range s.exports {
		s.log.WithFields(logrus.Fields{
			"export": exp.Name,
			"size":   exp.Size,
		}).Info("export registered")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.log.WithError(err).Warn("accept")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// Close stops the listener and removes the socket.
func (s *Server) Close() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sess := &session{server: s, conn: conn}
	if err := sess.negotiate(); err != nil {
		s.log.WithError(err).Debug("negotiation failed")
		return
	}
	if err := sess.transmit(); err != nil && err != io.EOF {
		s.log.WithError(err).Warn("transmission")
	}
}

func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:18], nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	if _, err := sess.conn.Write(greeting); err != nil {
		return errors.Wrap(err, "greeting")
	}

	clientFlags := make([]byte, 4)
	if _, err := io.ReadFull(sess.conn, clientFlags); err != nil {
		return errors.Wrap(err, "client flags")
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags)&nbdFlagCNoZeroes != 0

	for {
		optHeader := make([]byte, 16)
		if _, err := io.ReadFull(sess.conn, optHeader); err != nil {
			return errors.Wrap(err, "option header")
		}
		if magic := binary.BigEndian.Uint64(optHeader[0:8]); magic != nbdOptionMagic {
			return errors.Errorf("bad option magic %x", magic)
		}
		optType := binary.BigEndian.Uint32(optHeader[8:12])
		optLen := binary.BigEndian.Uint32(optHeader[12:16])

		optData := make([]byte, optLen)
		if optLen > 0 {
			if _, err := io.ReadFull(sess.conn, optData); err != nil {
				return errors.Wrap(err, "option data")
			}
		}

		done, err := sess.handleOption(optType, optData)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (sess *session) handleOption(optType uint32, optData []byte) (bool, error) {
	switch optType {
	case nbdOptExportName:
		export := sess.server.getExport(string(optData))
		if export == nil {
			return false, errors.Errorf("unknown export %q", string(optData))
		}
		sess.export = export
		return true, sess.sendOldstyleExportInfo()

	case nbdOptGo:
		name := ""
		if len(optData) >= 4 {
			nameLen := binary.BigEndian.Uint32(optData[0:4])
			if nameLen > 0 && int(4+nameLen) <= len(optData) {
				name = string(optData[4 : 4+nameLen])
			}
		}
		export := sess.server.getExport(name)
		if export == nil && name == "" {
			if names := sess.server.listExports(); len(names) > 0 {
				export = sess.server.getExport(names[0])
			}
		}
		if export == nil {
			sess.sendOptionReply(optType, nbdRepErrUnknown, nil)
			return false, nil
		}
		sess.export = export
		return true, sess.sendExportInfo(optType)

	case nbdOptList:
		for _, name := range sess.server.listExports() {
			nameData := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(nameData[0:4], uint32(len(name)))
			copy(nameData[4:], name)
			sess.sendOptionReply(optType, nbdRepServer, nameData)
		}
		sess.sendOptionReply(optType, nbdRepAck, nil)
		return false, nil

	case nbdOptAbort:
		sess.sendOptionReply(optType, nbdRepAck, nil)
		return false, errors.New("client aborted")

	default:
		sess.sendOptionReply(optType, nbdRepErrUnsup, nil)
		return false, nil
	}
}

func (sess *session) sendOptionReply(option, replyType uint32, data []byte) error {
	reply := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(reply[0:8], nbdReplyMagic)
	binary.BigEndian.PutUint32(reply[8:12], option)
	binary.BigEndian.PutUint32(reply[12:16], replyType)
	binary.BigEndian.PutUint32(reply[16:20], uint32(len(data)))
	copy(reply[20:], data)
	_, err := sess.conn.Write(reply)
	return err
}

func (sess *session) sendExportInfo(option uint32) error {
	infoExport := make([]byte, 12)
	binary.BigEndian.PutUint16(infoExport[0:2], nbdInfoExport)
	binary.BigEndian.PutUint64(infoExport[2:10], uint64(sess.export.Size))
	binary.BigEndian.PutUint16(infoExport[10:12], nbdFlagHasFlags|nbdFlagReadOnly)
	if err := sess.sendOptionReply(option, nbdRepInfo, infoExport); err != nil {
		return err
	}

	blockInfo := make([]byte, 14)
	binary.BigEndian.PutUint16(blockInfo[0:2], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(blockInfo[2:6], 1)
	binary.BigEndian.PutUint32(blockInfo[6:10], preferredBlockSize)
	binary.BigEndian.PutUint32(blockInfo[10:14], 32*1024*1024)
	if err := sess.sendOptionReply(option, nbdRepInfo, blockInfo); err != nil {
		return err
	}

	return sess.sendOptionReply(option, nbdRepAck, nil)
}

func (sess *session) sendOldstyleExportInfo() error {
	respLen := 10
	if !sess.noZeroes {
		respLen = 134
	}
	resp := make([]byte, respLen)
	binary.BigEndian.PutUint64(resp[0:8], uint64(sess.export.Size))
	binary.BigEndian.PutUint16(resp[8:10], nbdFlagHasFlags|nbdFlagReadOnly)
	_, err := sess.conn.Write(resp)
	return err
}

func (sess *session) transmit() error {
	log := sess.server.log.WithField("export", sess.export.Name)
	log.Debug("transmission phase")

	header := make([]byte, 28)
	for {
		if _, err := io.ReadFull(sess.conn, header); err != nil {
			return err
		}
		if magic := binary.BigEndian.Uint32(header[0:4]); magic != nbdRequestMagic {
			return errors.Errorf("bad request magic %x", magic)
		}

		cmdType := binary.BigEndian.Uint16(header[6:8])
		handle := header[8:16]
		offset := binary.BigEndian.Uint64(header[16:24])
		length := binary.BigEndian.Uint32(header[24:28])

		switch cmdType {
		case nbdCmdRead:
			sess.handleRead(handle, offset, length)
		case nbdCmdWrite:
			// Drain the payload so the stream stays in sync.
			io.CopyN(io.Discard, sess.conn, int64(length))
			sess.sendReply(handle, nbdErrPerm, nil)
		case nbdCmdFlush, nbdCmdTrim:
			sess.sendReply(handle, nbdErrNone, nil)
		case nbdCmdDisc:
			log.Debug("client disconnected")
			return nil
		default:
			log.WithField("cmd", cmdType).Debug("unknown command")
			sess.sendReply(handle, nbdErrInval, nil)
		}
	}
}

func (sess *session) handleRead(handle []byte, offset uint64, length uint32) {
	if offset+uint64(length) > uint64(sess.export.Size) {
		sess.sendReply(handle, nbdErrInval, nil)
		return
	}

	data := make([]byte, length)
	n, err := sess.export.Reader.ReadAt(data, int64(offset))
	if err != nil && err != io.EOF {
		sess.server.log.WithError(err).WithField("offset", offset).Warn("read")
		sess.sendReply(handle, nbdErrIO, nil)
		return
	}
	// Short reads past the source end come back zero-filled.
	for i := n; i < int(length); i++ {
		data[i] = 0
	}
	sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) sendReply(handle []byte, errCode uint32, data []byte) {
	reply := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(reply[0:4], nbdSimpleMagic)
	binary.BigEndian.PutUint32(reply[4:8], errCode)
	copy(reply[8:16], handle)
	copy(reply[16:], data)
	sess.conn.Write(reply)
}
