package netmgr

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/protocol"
	"github.com/tiktrue/platform/pkg/types"
)

const (
	// JoinPort is the TCP port for join requests and responses
	JoinPort = 8702
)

// JoinClient sends a join request to an admin and waits for the
// decision. The wire format is one enveloped JSON message per line,
// each way.
type JoinClient interface {
	SendJoinRequest(adminAddr string, request *types.JoinRequest, timeout time.Duration) (*types.JoinResponse, error)
}

// TCPJoinClient is the production JoinClient over TCP port 8702
type TCPJoinClient struct {
	proto *protocol.Manager
}

// NewTCPJoinClient creates a TCP join client. proto stamps the
// envelope headers; nil gets an anonymous manager.
func NewTCPJoinClient(proto *protocol.Manager) *TCPJoinClient {
	if proto == nil {
		proto = protocol.NewManager("", "", protocol.LicenseStatusUnknown)
	}
	return &TCPJoinClient{proto: proto}
}

// SendJoinRequest dials the admin, writes the enveloped request and
// blocks until the admin's decision or the deadline.
func (c *TCPJoinClient) SendJoinRequest(adminAddr string, request *types.JoinRequest, timeout time.Duration) (*types.JoinResponse, error) {
	target := adminAddr
	if _, _, err := net.SplitHostPort(adminAddr); err != nil {
		// Bare host: use the default join port.
		target = net.JoinHostPort(adminAddr, fmt.Sprintf("%d", JoinPort))
	}

	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach admin at %s: %w", target, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	header := c.proto.NewHeader(protocol.TypeJoinRequest, "", request.RequestID, "")
	data, err := c.proto.Seal(header, request)
	if err != nil {
		return nil, fmt.Errorf("failed to seal join request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send join request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("no response: %w", err)
	}

	msg, err := c.proto.Open(line)
	if err != nil {
		return nil, fmt.Errorf("invalid join response: %w", err)
	}
	if msg.Header.MessageType != protocol.TypeJoinResponse {
		return nil, fmt.Errorf("unexpected message type %q", msg.Header.MessageType)
	}

	var response types.JoinResponse
	if err := json.Unmarshal(msg.Payload, &response); err != nil {
		return nil, fmt.Errorf("failed to parse join response: %w", err)
	}
	return &response, nil
}

// JoinServer accepts inbound join requests on the admin side and holds
// each connection open until the manager decides or the request times
// out.
type JoinServer struct {
	manager  *Manager
	proto    *protocol.Manager
	listener net.Listener
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewJoinServer creates a join server bound to addr (":8702" typical)
func NewJoinServer(manager *Manager, addr string) (*JoinServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for join requests: %w", err)
	}

	return &JoinServer{
		manager:  manager,
		proto:    manager.proto,
		listener: listener,
		logger:   log.WithComponent("join-server"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address
func (s *JoinServer) Addr() string {
	return s.listener.Addr().String()
}

// Start begins accepting connections
func (s *JoinServer) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and waits for in-flight handlers
func (s *JoinServer) Stop() {
	close(s.stopCh)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Join handlers did not stop in time, abandoning")
	}
}

func (s *JoinServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("Accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *JoinServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(JoinTimeout + 5*time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to read join request")
		return
	}

	msg, err := s.proto.Open(line)
	if err != nil || msg.Header.MessageType != protocol.TypeJoinRequest {
		s.logger.Debug().Err(err).Msg("Malformed join request envelope")
		return
	}

	var request types.JoinRequest
	if err := json.Unmarshal(msg.Payload, &request); err != nil {
		s.logger.Debug().Err(err).Msg("Malformed join request payload")
		return
	}

	decision, err := s.manager.SubmitJoinRequest(&request)
	if err != nil {
		s.reply(conn, &types.JoinResponse{
			RequestID: request.RequestID,
			Approved:  false,
			Reason:    err.Error(),
		})
		return
	}

	select {
	case response := <-decision:
		s.reply(conn, response)
	case <-time.After(JoinTimeout):
		s.manager.AbandonJoinRequest(request.RequestID)
		s.reply(conn, &types.JoinResponse{
			RequestID: request.RequestID,
			Approved:  false,
			Reason:    "join request timed out awaiting admin decision",
		})
	case <-s.stopCh:
	}
}

func (s *JoinServer) reply(conn net.Conn, response *types.JoinResponse) {
	header := s.proto.NewHeader(protocol.TypeJoinResponse, "", response.RequestID, "")
	data, err := s.proto.Seal(header, response)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to seal join response")
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send join response")
	}
}
