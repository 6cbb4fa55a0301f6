package handler

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/mir00r/ldap-netgroups/internal/affinity"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	ngerrors "github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/ldapwire"
	"github.com/mir00r/ldap-netgroups/internal/limits"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// pendingOp is a request forwarded to a backend and not yet answered.
type pendingOp struct {
	request *ldapwire.Message
	opType  domain.OperationType
	link    *backendLink
	started time.Time
	// bind is set for bind requests.
	bind *ldapwire.BindRequest
}

// session is one admitted client connection.
type session struct {
	id        uint64
	gateway   *LDAPGateway
	client    net.Conn
	transport string
	secure    bool
	address   net.IP
	host      string
	log       *logger.Logger

	writeMu sync.Mutex

	// rehomeMu serializes the group handoff after a bind with close, so a
	// session is released from the group it ends up in.
	rehomeMu sync.Mutex

	mu            sync.Mutex
	group         *networkgroup.NetworkGroup
	tracker       *affinity.Tracker
	authenticated bool
	method        domain.AuthMethod
	bindDN        string
	// credentials is the last successful simple bind, replayed on every
	// backend connection opened afterwards.
	credentials *ldapwire.Message
	// saslBackend holds the SASL security context of the connection.
	saslBackend *domain.Backend
	// bindBackend holds a multi-step SASL bind in progress.
	bindBackend  *domain.Backend
	pending      map[int64]*pendingOp
	opsPerformed int64
	links        map[*domain.Backend]*backendLink
	closed       bool

	closeOnce sync.Once
}

func newSession(g *LDAPGateway, id uint64, conn net.Conn, transport string, secure bool) *session {
	return &session{
		id:        id,
		gateway:   g,
		client:    conn,
		transport: transport,
		secure:    secure,
		address:   remoteIP(conn.RemoteAddr()),
		log:       g.logger.ConnectionLogger(strconv.FormatUint(id, 10), conn.RemoteAddr().String(), transport),
		pending:   make(map[int64]*pendingOp),
		links:     make(map[*domain.Backend]*backendLink),
	}
}

func remoteIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// join places the session in the group it was admitted into.
func (s *session) join(group *networkgroup.NetworkGroup) {
	s.mu.Lock()
	s.group = group
	s.tracker = group.NewAffinityTracker()
	s.mu.Unlock()
	s.log = s.log.WithField("network_group", group.ID())
	s.log.Debug("Connection admitted")
}

func (s *session) snapshot() domain.ConnectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) snapshotLocked() domain.ConnectionSnapshot {
	return domain.ConnectionSnapshot{
		Address:        s.address,
		HostName:       s.host,
		TransportLabel: s.transport,
		Authenticated:  s.authenticated,
		Method:         s.method,
		DN:             s.bindDN,
		Secure:         s.secure,
		OpsPerformed:   s.opsPerformed,
		OpsInProgress:  len(s.pending),
	}
}

func (s *session) currentGroup() *networkgroup.NetworkGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// readCounter counts the bytes read from the client.
type readCounter struct {
	r io.Reader
	n int64
}

func (c *readCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// serve reads client requests until the client leaves or is disconnected.
func (s *session) serve() {
	defer s.close()

	in := &readCounter{r: s.client}
	idle := s.gateway.config.IdleTimeout
	for {
		if idle > 0 {
			if err := s.client.SetReadDeadline(time.Now().Add(idle)); err != nil {
				s.log.WithError(err).Debug("Failed to set read deadline")
			}
		}

		start := in.n
		msg, err := ldapwire.ReadMessage(in)
		if err != nil {
			if s.isClosed() {
				return
			}
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				if in.n != start {
					// The partial message is gone; the stream cannot be resynchronised.
					s.log.Debug("Read timed out inside an LDAP message")
					s.disconnect(ldap.LDAPResultProtocolError, "timed out reading LDAP message")
					return
				}
				if s.inFlight() > 0 {
					continue
				}
				s.log.Debug("Idle timeout exceeded")
				s.disconnect(ldap.LDAPResultUnavailable, "idle timeout exceeded")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.log.Debug("Client closed connection")
			default:
				s.log.WithError(err).Debug("Failed to read LDAP message")
				s.disconnect(ldap.LDAPResultProtocolError, "malformed LDAP message")
			}
			return
		}

		if !s.handle(msg) {
			return
		}
	}
}

// handle polices and forwards one request. It returns false when the
// session must end.
func (s *session) handle(msg *ldapwire.Message) bool {
	opType, ok := msg.OperationType()
	if !ok {
		s.disconnect(ldap.LDAPResultProtocolError, fmt.Sprintf("unexpected protocol op %d", msg.Tag()))
		return false
	}

	switch opType {
	case domain.OperationUnbind:
		s.log.Debug("Client unbound")
		return false
	case domain.OperationAbandon:
		s.abandon(msg)
		return true
	case domain.OperationExtended:
		if name, _ := msg.ExtendedRequestName(); name == ldapwire.StartTLSOID {
			s.reply(msg, ldap.LDAPResultUnwillingToPerform, "StartTLS is not supported, use the LDAPS listener")
			return true
		}
	}

	op := &limits.Operation{Type: opType}
	var bind *ldapwire.BindRequest
	switch opType {
	case domain.OperationSearch:
		f, err := msg.SearchFilter()
		if err != nil {
			s.reply(msg, ldap.LDAPResultProtocolError, "malformed search filter")
			return true
		}
		op.Filter = f
	case domain.OperationBind:
		b, err := msg.BindRequest()
		if err != nil {
			s.reply(msg, ldap.LDAPResultProtocolError, "malformed bind request")
			return true
		}
		bind = b
	}

	group := s.currentGroup()
	if err := s.gateway.manager.CheckOperation(group, s.snapshot(), op); err != nil {
		s.reply(msg, ngerrors.GetLDAPResultCode(err), diagnostic(err))
		return true
	}

	if opType == domain.OperationSearch {
		rl := group.Limits()
		capped, err := msg.CapSearchLimits(int64(rl.SearchSizeLimit()), int64(rl.SearchTimeLimit()))
		if err != nil {
			s.reply(msg, ldap.LDAPResultProtocolError, "malformed search request")
			return true
		}
		msg = capped
	}

	backend, err := s.route(group, opType)
	if err != nil {
		s.reply(msg, ngerrors.GetLDAPResultCode(err), diagnostic(err))
		return true
	}
	link, err := s.link(backend)
	if err != nil {
		s.log.WithError(err).WithField("backend", backend.ID).Warn("Failed to connect to directory server")
		s.reply(msg, ldap.LDAPResultUnavailable, "directory server unavailable")
		return true
	}

	s.mu.Lock()
	if _, dup := s.pending[msg.ID]; dup {
		s.mu.Unlock()
		s.reply(msg, ldap.LDAPResultProtocolError, fmt.Sprintf("message id %d is already in use", msg.ID))
		return true
	}
	s.pending[msg.ID] = &pendingOp{request: msg, opType: opType, link: link, started: time.Now(), bind: bind}
	s.opsPerformed++
	if bind != nil {
		if bind.Method == domain.AuthMethodSASL {
			s.bindBackend = backend
		} else {
			s.bindBackend = nil
		}
	}
	s.mu.Unlock()

	if err := link.send(msg); err != nil {
		s.log.WithError(err).WithField("backend", backend.ID).Debug("Failed to forward request")
		if s.takePending(msg.ID, link) != nil {
			s.reply(msg, ldap.LDAPResultUnavailable, "directory server connection lost")
		}
	}
	return true
}

// route picks the backend for the next request of the session.
func (s *session) route(group *networkgroup.NetworkGroup, opType domain.OperationType) (*domain.Backend, error) {
	s.mu.Lock()
	pinned := s.bindBackend
	if pinned == nil {
		pinned = s.saslBackend
	}
	tracker := s.tracker
	s.mu.Unlock()

	if pinned != nil {
		if !pinned.IsHealthy() {
			return nil, backendUnavailable(group, "directory server holding the SASL session is unavailable")
		}
		return pinned, nil
	}

	kind := affinity.Read
	if opType.IsWrite() {
		kind = affinity.Write
	}

	for attempt := 0; attempt < 2; attempt++ {
		var selectErr error
		id := tracker.Route(kind, func() string {
			b, err := group.SelectBackend()
			if err != nil {
				selectErr = err
				return ""
			}
			return b.ID
		})
		if selectErr != nil {
			return nil, selectErr
		}

		b, ok := group.Backend(id)
		if ok {
			if !b.IsHealthy() {
				return nil, backendUnavailable(group, fmt.Sprintf("directory server %s is unavailable", b.ID))
			}
			return b, nil
		}

		// The pinned backend was removed by a reconfiguration.
		s.log.WithField("backend", id).Info("Affinity backend no longer configured, starting over")
		tracker = group.NewAffinityTracker()
		s.mu.Lock()
		s.tracker = tracker
		s.mu.Unlock()
	}
	return nil, backendUnavailable(group, "no backend available")
}

func backendUnavailable(group *networkgroup.NetworkGroup, message string) error {
	return ngerrors.NewError(ngerrors.ErrCodeBackendUnavailable, "gateway", message).
		WithMetadata("network_group", group.ID())
}

// link returns the session's connection to b, opening it when needed.
// Only the serve goroutine opens links.
func (s *session) link(b *domain.Backend) (*backendLink, error) {
	s.mu.Lock()
	if l, ok := s.links[b]; ok {
		s.mu.Unlock()
		return l, nil
	}
	replay := s.credentials
	s.mu.Unlock()

	if !b.IsAvailable() {
		return nil, fmt.Errorf("directory server %s is unavailable", b.ID)
	}
	conn, err := dialBackend(b)
	if err != nil {
		return nil, err
	}
	l := newBackendLink(b, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.close()
		return nil, fmt.Errorf("connection closed")
	}
	s.links[b] = l
	s.mu.Unlock()

	go s.relay(l)

	if replay != nil {
		if err := s.replayBind(l, replay); err != nil {
			s.mu.Lock()
			if s.links[b] == l {
				delete(s.links, b)
			}
			s.mu.Unlock()
			l.retire()
			return nil, err
		}
	}

	s.log.WithField("backend", b.ID).Debug("Connected to directory server")
	return l, nil
}

// replayBind authenticates a new backend connection as the session's
// current identity and waits for the outcome.
func (s *session) replayBind(l *backendLink, bind *ldapwire.Message) error {
	done := l.expect(replayMessageID)
	if err := l.send(bind.WithID(replayMessageID)); err != nil {
		return err
	}

	timeout := l.backend.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case code, ok := <-done:
		if !ok {
			return fmt.Errorf("directory server %s closed the connection during bind", l.backend.ID)
		}
		if code != ldap.LDAPResultSuccess {
			return fmt.Errorf("directory server %s refused the session credentials: %s", l.backend.ID, ldap.LDAPResultCodeMap[code])
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("directory server %s did not answer the bind in %s", l.backend.ID, timeout)
	}
}

// relay forwards the responses of one backend connection to the client.
func (s *session) relay(l *backendLink) {
	for {
		msg, err := ldapwire.ReadMessage(l.conn)
		if err != nil {
			s.linkFailed(l, err)
			return
		}

		if done, ok := l.claim(msg.ID); ok {
			code, _ := msg.ResultCode()
			done <- code
			continue
		}
		if msg.ID == 0 {
			// Unsolicited notification; the server closes the connection next.
			s.log.WithField("backend", l.backend.ID).Warn("Directory server sent an unsolicited notification")
			continue
		}

		s.forward(l, msg)
	}
}

func (s *session) forward(l *backendLink, msg *ldapwire.Message) {
	if !ldapwire.IsFinalResponse(msg.Tag()) {
		s.deliver(msg)
		return
	}

	p := s.takePending(msg.ID, l)
	if p != nil {
		code, _ := msg.ResultCode()
		s.gateway.record(l.backend.ID, p.opType, code, p.started)
	}
	if p != nil && p.bind != nil {
		if !s.completeBind(p, msg) {
			return
		}
	}
	s.deliver(msg)
}

// takePending removes the pending request id if it was sent over l.
func (s *session) takePending(id int64, l *backendLink) *pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok || p.link != l {
		return nil
	}
	delete(s.pending, id)
	return p
}

// completeBind updates the identity of the session after a bind response
// and moves the session to the network group of that identity. It returns
// false when the session was disconnected instead.
func (s *session) completeBind(p *pendingOp, resp *ldapwire.Message) bool {
	code, _ := resp.ResultCode()
	bind := p.bind
	backend := p.link.backend

	s.rehomeMu.Lock()
	defer s.rehomeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	switch code {
	case ldap.LDAPResultSaslBindInProgress:
		s.bindBackend = backend
		s.mu.Unlock()
		return true
	case ldap.LDAPResultSuccess:
		s.authenticated = !bind.Anonymous()
		s.method = bind.EffectiveMethod()
		s.bindDN = bind.Name
		s.bindBackend = nil
		if bind.Method == domain.AuthMethodSASL {
			s.saslBackend = backend
			s.credentials = nil
		} else {
			s.saslBackend = nil
			s.credentials = nil
			if s.authenticated {
				s.credentials = p.request
			}
		}
	default:
		// A failed bind leaves the connection anonymous.
		s.authenticated = false
		s.method = domain.AuthMethodAnonymous
		s.bindDN = ""
		s.bindBackend = nil
		s.saslBackend = nil
		s.credentials = nil
	}

	// Other backend connections still carry the previous identity.
	var stale []*backendLink
	for b, l := range s.links {
		if l != p.link {
			stale = append(stale, l)
			delete(s.links, b)
		}
	}
	group := s.group
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, l := range stale {
		l.retire()
	}

	next, err := s.gateway.manager.Rehome(group, snap, snap.DN, snap.Method, s.secure)
	if err != nil {
		s.log.WithError(err).WithField("bind_dn", snap.DN).Info("Bound identity refused by network groups")
		s.disconnect(ngerrors.GetLDAPResultCode(err), diagnostic(err))
		return false
	}
	if next != group {
		s.mu.Lock()
		s.group = next
		s.tracker = next.NewAffinityTracker()
		s.mu.Unlock()
		s.log.WithFields(map[string]interface{}{
			"network_group": next.ID(),
			"from_group":    group.ID(),
		}).Debug("Connection moved to another network group")
	}
	return true
}

// linkFailed handles the loss of a backend connection. Requests still
// waiting on it are answered with unavailable; losing the SASL context
// ends the session.
func (s *session) linkFailed(l *backendLink, err error) {
	l.close()
	l.failExpected()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.links[l.backend] == l {
		delete(s.links, l.backend)
	}
	var orphaned []*pendingOp
	for id, p := range s.pending {
		if p.link == l {
			orphaned = append(orphaned, p)
			delete(s.pending, id)
		}
	}
	lostSASL := s.saslBackend == l.backend || s.bindBackend == l.backend
	s.mu.Unlock()

	if l.isRetired() {
		return
	}

	log := s.log.WithField("backend", l.backend.ID)
	if !errors.Is(err, io.EOF) {
		log = log.WithError(err)
	}
	if lostSASL {
		log.Warn("Lost the directory server holding the SASL session")
		s.disconnect(ldap.LDAPResultUnavailable, "directory server connection lost")
		return
	}
	log.Debug("Directory server connection closed")
	for _, p := range orphaned {
		s.gateway.record(l.backend.ID, p.opType, ldap.LDAPResultUnavailable, p.started)
		s.reply(p.request, ldap.LDAPResultUnavailable, "directory server connection lost")
	}
}

// abandon forwards an abandon request to the backend running its target.
func (s *session) abandon(msg *ldapwire.Message) {
	target, ok := msg.AbandonTarget()
	if !ok {
		return
	}

	s.mu.Lock()
	p, found := s.pending[target]
	if found && p.bind == nil {
		// Abandoned requests get no response.
		delete(s.pending, target)
	}
	s.mu.Unlock()

	if !found || p.bind != nil {
		return
	}
	if err := p.link.send(msg); err != nil {
		s.log.WithError(err).Debug("Failed to forward abandon request")
	}
}

// reply answers a request without forwarding it.
func (s *session) reply(req *ldapwire.Message, code uint16, message string) {
	resp, ok := ldapwire.NewResult(req.ID, req.Tag(), code, message)
	if !ok {
		return
	}
	s.deliver(resp)
}

func (s *session) deliver(msg *ldapwire.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if idle := s.gateway.config.IdleTimeout; idle > 0 {
		if err := s.client.SetWriteDeadline(time.Now().Add(idle)); err != nil {
			s.log.WithError(err).Debug("Failed to set write deadline")
		}
	}
	if _, err := msg.WriteTo(s.client); err != nil {
		s.log.WithError(err).Debug("Failed to write to client")
		s.client.Close()
	}
}

// disconnect notifies the client and closes its connection. serve notices
// and releases the session.
func (s *session) disconnect(code uint16, message string) {
	s.deliver(ldapwire.NewNoticeOfDisconnection(code, message))
	s.client.Close()
}

func (s *session) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close releases everything the session holds.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.rehomeMu.Lock()
		s.mu.Lock()
		s.closed = true
		links := s.links
		s.links = make(map[*domain.Backend]*backendLink)
		group := s.group
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.rehomeMu.Unlock()

		for _, l := range links {
			l.close()
		}
		s.client.Close()
		s.gateway.manager.Release(group, snap)

		s.log.WithField("operations", snap.OpsPerformed).Debug("Connection closed")
	})
}
