// Package gateway implements the Connection Manager: the state machine
// that selects a gateway from an injected topology.Provider, dials it,
// runs the Handshake Engine or Authenticator depending on whether shared
// keys are already on file, optionally submits a bandwidth credential, and
// hands the established shared keys to a Session Pipeline. On
// unrecoverable transport failure it reselects and retries with backoff,
// grounded on the teacher's ConnectionManager reconnect loop generalized
// from a single binary wire format to this protocol's handshake/auth/
// credential/session sequencing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilmesh/veilmesh/pkg/credential"
	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/gatewayauth"
	"github.com/veilmesh/veilmesh/pkg/handshake"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/keystore"
	"github.com/veilmesh/veilmesh/pkg/logging"
	"github.com/veilmesh/veilmesh/pkg/protocol"
	"github.com/veilmesh/veilmesh/pkg/session"
	"github.com/veilmesh/veilmesh/pkg/topology"
	"github.com/veilmesh/veilmesh/pkg/transport"
)

// Options configures a Manager.
type Options struct {
	// CredentialsEnabled advertises credential support in the protocol
	// version and permits credential submission when bandwidth is
	// exhausted.
	CredentialsEnabled bool
	// UseTestnetBandwidth claims free testnet bandwidth instead of
	// submitting CredentialV2 when the reported balance is exhausted.
	UseTestnetBandwidth bool
	// CredentialV2 is submitted when CredentialsEnabled is set, the
	// reported bandwidth balance is exhausted, and UseTestnetBandwidth is
	// false.
	CredentialV2 *credential.V2Credential
	// ForceTLS restricts both gateway selection and the transport dialer
	// to wss:// listeners.
	ForceTLS bool
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	// PinnedGateway, if set, selects this gateway directly instead of a
	// random topology candidate.
	PinnedGateway *keys.IdentityAddress
	// WaitForGateway bounds how long gateway selection retries with
	// backoff. Zero disables retries: the first failure is terminal.
	WaitForGateway time.Duration
	// ReconnectMaxAttempts bounds reconnection attempts after the session
	// pipeline terminates on a transport error. Zero disables reconnection.
	ReconnectMaxAttempts int
	// OutboundQueueCapacity is forwarded to the Session Pipeline. Zero
	// uses protocol.DefaultOutboundQueueCapacity.
	OutboundQueueCapacity int
	// CredentialLedger, if set, is consulted before a v2 credential
	// submission (to refuse resubmitting an already-spent serial number)
	// and updated after one (to record the outcome). *persistence.PostgresStore
	// satisfies this interface.
	CredentialLedger CredentialLedger
}

// CredentialLedger records and queries bandwidth-credential submissions by
// serial number, giving the manager a way to detect and refuse resubmitting
// a credential the gateway has already spent.
type CredentialLedger interface {
	WasCredentialSubmitted(serialNumber string) (bool, error)
	RecordCredentialSubmission(serialNumber, gatewayAddress string, bandwidthBytes int64, accepted bool) (bool, error)
	TotalBandwidthForGateway(gatewayAddress string) (int64, error)
}

// gatewayConn is everything runOnce needs from a dialed connection: the
// narrow control-frame view the handshake/authenticator/credential modules
// use, plus the full duplex view the Session Pipeline drives. transport.Conn
// satisfies it; tests substitute an in-memory fake via dialFunc.
type gatewayConn interface {
	Send(frame protocol.ControlFrame) error
	Frames() <-chan protocol.ControlFrame
	Errors() <-chan error

	WriteBinary(ctx context.Context, frame []byte) error
	WriteControl(ctx context.Context, frame protocol.ControlFrame) error
	ReadMessage(ctx context.Context) (session.Message, error)
	Close() error
}

// dialFunc dials a gateway's listener URL, returning the connection Run
// drives through selection, registration, and the session pipeline.
type dialFunc func(ctx context.Context, listenerURL string) (gatewayConn, error)

// Manager is the gateway-client Connection Manager.
type Manager struct {
	identity *keys.IdentityKeyPair
	store    keystore.Store
	provider topology.Provider
	dial     dialFunc
	logger   *logging.Logger
	opts     Options

	mu    sync.RWMutex
	state State

	startOnce sync.Once

	sess *session.Session
}

// NewManager constructs a Manager. identity is the client's long-term
// identity keypair, store persists negotiated gateway shared keys,
// provider supplies candidate gateways, and logger receives structured
// diagnostic events.
func NewManager(identity *keys.IdentityKeyPair, store keystore.Store, provider topology.Provider, logger *logging.Logger, opts Options) *Manager {
	dialer := transport.NewDialer(transport.Options{
		ForceTLS:           opts.ForceTLS,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	return &Manager{
		identity: identity,
		store:    store,
		provider: provider,
		dial: func(ctx context.Context, listenerURL string) (gatewayConn, error) {
			return dialer.Dial(ctx, listenerURL)
		},
		logger: logger,
		opts:   opts,
		state:  StateNew,
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("state transition", logging.Fields{"state": s.String()})
	}
}

// Reregister reports whether re-registration is permitted from the
// current state: only from StateNew. spec.md §4.7 forbids re-registering
// an already-registered gateway.
func (m *Manager) Reregister(ctx context.Context) error {
	if m.State() != StateNew {
		return protocol.ErrReregisterUnsupported
	}
	return m.Run(ctx)
}

// Run selects a gateway, establishes shared keys (fresh handshake or a
// stored record), authenticates, optionally submits a bandwidth
// credential, and runs the Session Pipeline until ctx is canceled or
// reconnection attempts are exhausted. Run may only be called once per
// Manager.
func (m *Manager) Run(ctx context.Context) error {
	calledBefore := true
	m.startOnce.Do(func() { calledBefore = false })
	if calledBefore {
		return ErrAlreadyRunning
	}

	var lastErr error
	for attempt := 0; m.opts.ReconnectMaxAttempts == 0 || attempt <= m.opts.ReconnectMaxAttempts; attempt++ {
		if attempt > 0 {
			if m.logger != nil {
				m.logger.Warn("reconnecting", logging.Fields{"attempt": attempt, "cause": lastErr})
			}
			select {
			case <-time.After(nextBackoff(attempt - 1)):
			case <-ctx.Done():
				m.setState(StateTerminated)
				return ctx.Err()
			}
		}

		err := m.runOnce(ctx)
		if err == nil {
			m.setState(StateTerminated)
			return nil
		}
		if ctx.Err() != nil {
			m.setState(StateTerminated)
			return ctx.Err()
		}
		lastErr = err
		m.setState(StateNew)
	}

	m.setState(StateTerminated)
	return fmt.Errorf("gateway: exhausted %d reconnection attempts: %w", m.opts.ReconnectMaxAttempts, lastErr)
}

// runOnce performs one full selection-through-session attempt, returning
// when the session pipeline terminates (for any reason, including a clean
// cancellation).
func (m *Manager) runOnce(ctx context.Context) error {
	candidate, err := m.selectWithRetry(ctx)
	if err != nil {
		return err
	}

	conn, err := m.dial(ctx, candidate.ListenerURL)
	if err != nil {
		return fmt.Errorf("gateway: dial failed: %w", err)
	}

	sharedKeys, bandwidth, err := m.establish(ctx, conn, candidate)
	if err != nil {
		conn.Close()
		return err
	}

	if m.opts.CredentialsEnabled && bandwidth <= 0 {
		bandwidth, err = m.submitCredential(ctx, conn, sharedKeys, candidate.Address.String())
		if err != nil {
			conn.Close()
			return err
		}
	}

	m.setState(StateRunning)

	sess := session.New(conn, sharedKeys, session.Options{
		OutboundQueueCapacity: m.opts.OutboundQueueCapacity,
		InitialBandwidth:      bandwidth,
	})
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()

	return sess.Run(ctx)
}

func (m *Manager) selectWithRetry(ctx context.Context) (topology.GatewayCandidate, error) {
	attempt := 0
	for {
		candidate, err := selectGateway(ctx, m.provider, m.opts.PinnedGateway, m.opts.ForceTLS)
		if err == nil {
			return candidate, nil
		}
		if m.opts.WaitForGateway == 0 {
			return topology.GatewayCandidate{}, &SelectionFailed{Attempts: attempt + 1, Cause: err}
		}

		attempt++
		delay := nextBackoff(attempt - 1)
		if m.logger != nil {
			m.logger.Debug("gateway selection retry", logging.Fields{"attempt": attempt, "delay": delay.String()})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return topology.GatewayCandidate{}, ctx.Err()
		}
		if time.Duration(attempt)*backoffCap > m.opts.WaitForGateway {
			return topology.GatewayCandidate{}, &SelectionFailed{Attempts: attempt, Cause: err}
		}
	}
}

// establish drives New -> Registered -> Authenticated: a fresh handshake
// if no shared keys are on file for this gateway, otherwise the
// Authenticator against the stored record.
func (m *Manager) establish(ctx context.Context, conn gatewayConn, candidate topology.GatewayCandidate) (symmetric.SharedKeys, int64, error) {
	identityAddr, err := m.identity.Address()
	if err != nil {
		return symmetric.SharedKeys{}, 0, fmt.Errorf("gateway: failed to derive identity address: %w", err)
	}

	rec, found, err := m.store.LoadGatewayKeys(ctx, candidate.Address)
	if err != nil {
		return symmetric.SharedKeys{}, 0, fmt.Errorf("gateway: key store lookup failed: %w", err)
	}

	sharedKeys := rec.SharedKeys
	if !found {
		hres, err := handshake.Run(ctx, conn, candidate.PublicKey, m.opts.CredentialsEnabled)
		if err != nil {
			return symmetric.SharedKeys{}, 0, err
		}
		sharedKeys = hres.SharedKeys
		if err := m.store.SaveGatewayKeys(ctx, keystore.GatewayRecord{
			Address:       candidate.Address,
			SharedKeys:    sharedKeys,
			EstablishedAt: time.Now(),
		}); err != nil {
			return symmetric.SharedKeys{}, 0, fmt.Errorf("gateway: failed to persist shared keys: %w", err)
		}
	}
	m.setState(StateRegistered)

	ares, err := gatewayauth.Run(ctx, conn, identityAddr, sharedKeys, m.opts.CredentialsEnabled)
	if err != nil {
		return symmetric.SharedKeys{}, 0, err
	}
	m.setState(StateAuthenticated)

	return sharedKeys, ares.BandwidthRemaining, nil
}

func (m *Manager) submitCredential(ctx context.Context, conn gatewayConn, sharedKeys symmetric.SharedKeys, gatewayAddress string) (int64, error) {
	if m.opts.UseTestnetBandwidth {
		res, err := credential.ClaimTestnetBandwidth(ctx, conn)
		if err != nil {
			return 0, err
		}
		return res.AvailableTotal, nil
	}
	if m.opts.CredentialV2 == nil {
		return 0, errors.New("gateway: bandwidth exhausted and no credential configured")
	}

	cred := *m.opts.CredentialV2
	serial := credentialSerialNumber(cred)

	ledger := m.opts.CredentialLedger
	if ledger != nil && serial != "" {
		submitted, err := ledger.WasCredentialSubmitted(serial)
		if err != nil && m.logger != nil {
			m.logger.Warn("credential ledger lookup failed", logging.Fields{"error": err.Error()})
		}
		if submitted {
			return 0, fmt.Errorf("gateway: credential %s already submitted", serial)
		}
	}

	res, submitErr := credential.SubmitV2(ctx, conn, sharedKeys, cred)

	if ledger != nil && serial != "" {
		var bandwidth int64
		if res != nil {
			bandwidth = res.AvailableTotal
		}
		if _, err := ledger.RecordCredentialSubmission(serial, gatewayAddress, bandwidth, submitErr == nil); err != nil && m.logger != nil {
			m.logger.Warn("credential ledger record failed", logging.Fields{"error": err.Error()})
		}
		if total, err := ledger.TotalBandwidthForGateway(gatewayAddress); err == nil && m.logger != nil {
			m.logger.Debug("gateway credential total", logging.Fields{"gateway": gatewayAddress, "total": total})
		}
	}

	if submitErr != nil {
		return 0, submitErr
	}
	return res.AvailableTotal, nil
}

// credentialSerialNumber extracts the serial number from a v2 credential's
// leading embedded parameter, or "" if the credential carries none.
func credentialSerialNumber(cred credential.V2Credential) string {
	if len(cred.Credential.EmbeddedParams) == 0 {
		return ""
	}
	return string(cred.Credential.EmbeddedParams[0])
}

// Close terminates the running session, if any.
func (m *Manager) Close() error {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
