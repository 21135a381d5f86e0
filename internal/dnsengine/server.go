package dnsengine

import (
	"context"
	"log"
	"net"

	"github.com/miekg/dns"
)

const (
	maxUDPSize     = 512
	maxUDPSizeEDNS = 4096
)

// Server drives a Resolver from UDP and TCP listeners on the same
// address, per spec.md §6 ("DNS/UDP+TCP, RFC 1035").
type Server struct {
	Addr     string
	Resolver *Resolver
	Logger   *log.Logger
}

func NewServer(addr string, r *Resolver, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{Addr: addr, Resolver: r, Logger: logger}
}

// ListenAndServe runs the UDP and TCP listeners until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	udpConn, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		return err
	}
	tcpLn, err := net.Listen("tcp", s.Addr)
	if err != nil {
		udpConn.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		udpConn.Close()
		tcpLn.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- s.serveUDP(ctx, udpConn) }()
	go func() { errCh <- s.serveTCP(ctx, tcpLn) }()

	err = <-errCh
	udpConn.Close()
	tcpLn.Close()
	return err
}

func (s *Server) serveUDP(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go s.handleUDP(ctx, conn, addr, pkt)
	}
}

func (s *Server) handleUDP(ctx context.Context, conn net.PacketConn, addr net.Addr, pkt []byte) {
	reply, maxSize := s.answer(ctx, pkt)
	out, err := reply.Pack()
	if err != nil {
		s.Logger.Printf("dnsengine: pack reply: %v", err)
		return
	}
	if len(out) > maxSize {
		out = s.truncate(reply, maxSize)
	}
	if _, err := conn.WriteTo(out, addr); err != nil {
		s.Logger.Printf("dnsengine: udp write to %s: %v", addr, err)
	}
}

// truncate re-packs reply with its Answer/Ns/Extra sections dropped
// and the TC bit set, so the AN/NS/AR counts are implicitly zeroed —
// spec.md §4.1's UDP-truncation helper.
func (s *Server) truncate(reply *dns.Msg, maxSize int) []byte {
	trunc := new(dns.Msg)
	trunc.MsgHdr = reply.MsgHdr
	trunc.MsgHdr.Truncated = true
	trunc.Question = reply.Question
	out, err := trunc.Pack()
	if err != nil || len(out) > maxSize {
		// Last resort: a bare header-only reply always fits.
		bare := new(dns.Msg)
		bare.MsgHdr = reply.MsgHdr
		bare.MsgHdr.Truncated = true
		out, _ = bare.Pack()
	}
	return out
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleTCP(ctx, conn)
	}
}

func (s *Server) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := readTCPMessage(conn)
		if err != nil {
			return
		}
		reply, _ := s.answer(ctx, pkt)
		out, err := reply.Pack()
		if err != nil {
			return
		}
		if err := writeTCPMessage(conn, out); err != nil {
			return
		}
	}
}

func readTCPMessage(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := ioReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<8 | int(lenBuf[1])
	buf := make([]byte, n)
	if _, err := ioReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeTCPMessage(conn net.Conn, msg []byte) error {
	lenBuf := [2]byte{byte(len(msg) >> 8), byte(len(msg))}
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// answer parses pkt, classifying a malformed name with the hand-rolled
// wire codec before handing a structurally valid packet to
// Resolver.Resolve, and reports the maximum size the UDP reply may
// occupy (the EDNS0-advertised size if the query carried one, else
// 512 per spec.md §6).
func (s *Server) answer(ctx context.Context, pkt []byte) (*dns.Msg, int) {
	req := new(dns.Msg)
	if err := req.Unpack(pkt); err != nil {
		if len(pkt) >= 12 {
			if _, _, nameErr := DecodeName(pkt, 12); nameErr != nil {
				if kind, ok := KindOf(nameErr); ok {
					s.Logger.Printf("dnsengine: malformed query (%s): %v", kind, nameErr)
				}
			}
		}
		return formatErrorReply(pkt), maxUDPSize
	}

	maxSize := maxUDPSize
	if opt := req.IsEdns0(); opt != nil {
		if sz := int(opt.UDPSize()); sz > maxSize {
			maxSize = sz
		}
		if maxSize > maxUDPSizeEDNS {
			maxSize = maxUDPSizeEDNS
		}
	}
	return s.Resolver.Resolve(ctx, req), maxSize
}

// formatErrorReply builds a FORMERR reply directly from the raw header
// bytes when the packet couldn't even be unpacked far enough to get a
// *dns.Msg — spec.md §4.2 step 1: "on parse error return FORMERR,
// never crash."
func formatErrorReply(pkt []byte) *dns.Msg {
	m := new(dns.Msg)
	if len(pkt) >= 2 {
		m.Id = uint16(pkt[0])<<8 | uint16(pkt[1])
	}
	m.Response = true
	m.Rcode = dns.RcodeFormatError
	return m
}
