package flip

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolflip/commitment"
	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/crypto"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/internal/testutil"
	"github.com/tolelom/tolflip/ledger"
	"github.com/tolelom/tolflip/storage"
)

const secretNumber = 1357924680

var dummyHash = common.HexToHash("0x2446f1fd773fbb9f080e674b60c6a033c7ed7427b8b9413cf28a2a4a6da9b56c")

type player struct {
	key  crypto.PrivateKey
	addr core.Address
}

func newPlayer(t *testing.T) player {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return player{key: k, addr: k.Address()}
}

func (p player) commit(t *testing.T, secret int64) (core.Hash, crypto.Signature) {
	t.Helper()
	h, sig, err := crypto.SignCommitment(p.key, big.NewInt(secret))
	require.NoError(t, err)
	return h, sig
}

type harness struct {
	machine  *Machine
	registry *storage.GameRegistry
	ledger   *ledger.Ledger
	clock    *quartz.Mock
	mu       sync.Mutex
	events   []events.Event
	alice    player
	bob      player
	carol    player
}

func newHarness(t *testing.T, wrap ...func(core.GameStore, core.Ledger) (core.GameStore, core.Ledger)) *harness {
	t.Helper()
	db := testutil.NewMemDB()
	h := &harness{
		registry: storage.NewGameRegistry(db),
		ledger:   ledger.New(db),
		clock:    quartz.NewMock(t),
		alice:    newPlayer(t),
		bob:      newPlayer(t),
		carol:    newPlayer(t),
	}
	for _, p := range []player{h.alice, h.bob, h.carol} {
		require.NoError(t, h.ledger.Credit(p.addr, 1000))
	}

	var games core.GameStore = h.registry
	var led core.Ledger = h.ledger
	for _, w := range wrap {
		games, led = w(games, led)
	}

	emitter := events.NewEmitter(log.New(io.Discard))
	emitter.SubscribeAll(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	h.machine = New(games, led, commitment.NewVerifier(crypto.Secp256k1Recoverer{}),
		WithEmitter(emitter),
		WithClock(h.clock),
		WithLogger(log.New(io.Discard)),
	)
	return h
}

func (h *harness) balance(t *testing.T, p player) uint64 {
	t.Helper()
	acc, err := h.ledger.Account(p.addr)
	require.NoError(t, err)
	return acc.Balance
}

func (h *harness) create(t *testing.T, p player, id, stake uint64) *core.Game {
	t.Helper()
	hash, sig := p.commit(t, secretNumber)
	g, err := h.machine.CreateGame(context.Background(), p.addr, core.CreateGamePayload{
		GameID: id, Parameter: 10, Commitment: hash, Signature: sig, Stake: stake,
	})
	require.NoError(t, err)
	return g
}

func (h *harness) accept(p player, id, stake uint64, hash core.Hash, sig crypto.Signature) (*core.Game, error) {
	return h.machine.AcceptGame(context.Background(), p.addr, core.AcceptGamePayload{
		GameID: id, Commitment: hash, Signature: sig, Stake: stake,
	})
}

func TestCreateGame(t *testing.T) {
	h := newHarness(t)
	hash, sig := h.alice.commit(t, secretNumber)

	g, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Parameter: 10, Commitment: hash, Signature: sig, Stake: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, g.Status)

	got, err := h.machine.QueryGame(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, h.alice.addr, got.FirstPlayer)
	assert.Equal(t, core.Address{}, got.SecondPlayer)
	assert.Equal(t, uint64(10), got.Parameter)
	assert.Equal(t, uint64(100), got.Stake)
	assert.Equal(t, hash, got.CommitmentFirst)
	assert.Equal(t, h.clock.Now().UnixNano(), got.CreatedAt)

	assert.Equal(t, uint64(900), h.balance(t, h.alice))
	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), held)

	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, events.EventWagerMade, ev.Type)
	assert.Equal(t, uint64(1), ev.GameID)
	assert.Equal(t, h.alice.addr.Hex(), ev.Data["player"])
	assert.Equal(t, uint64(100), ev.Data["amount"])
	assert.Equal(t, hash.Hex(), ev.Data["commitment"])
}

func TestCreateGameBadSignature(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Parameter: 10, Commitment: dummyHash,
		Signature: crypto.Signature{V: 27, R: dummyHash, S: dummyHash}, Stake: 100,
	})
	require.ErrorIs(t, err, core.ErrInvalidCommitment)
	assert.Contains(t, err.Error(), "bad signature")

	_, err = h.registry.Get(1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, uint64(1000), h.balance(t, h.alice))
	assert.Empty(t, h.events)
}

func TestCreateGameWithSomeoneElsesCommitment(t *testing.T) {
	h := newHarness(t)
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.bob.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 100,
	})
	assert.ErrorIs(t, err, core.ErrInvalidCommitment)
	assert.Equal(t, uint64(1000), h.balance(t, h.bob))
}

func TestCreateGameWithoutStake(t *testing.T) {
	h := newHarness(t)
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Parameter: 10, Commitment: hash, Signature: sig,
	})
	assert.ErrorIs(t, err, core.ErrMissingStake)

	_, err = h.registry.Get(1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.events)
}

func TestCreateGameInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 1001,
	})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	_, err = h.registry.Get(1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.events)
}

func TestCreateGameOverLiveGame(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)

	hash, sig := h.bob.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.bob.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 100,
	})
	assert.ErrorIs(t, err, core.ErrGameExists)
	assert.Equal(t, uint64(1000), h.balance(t, h.bob))

	g, _ := h.machine.QueryGame(context.Background(), 1)
	assert.Equal(t, h.alice.addr, g.FirstPlayer)
}

func TestCreateGameAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)
	_, err := h.machine.CancelGame(context.Background(), h.alice.addr, 1)
	require.NoError(t, err)

	g := h.create(t, h.bob, 1, 50)
	assert.Equal(t, h.bob.addr, g.FirstPlayer)
	assert.Equal(t, core.StatusOpen, g.Status)
	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), held)
}

func TestAcceptGame(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)
	h.clock.Advance(time.Minute).MustWait(context.Background())

	hash, sig := h.bob.commit(t, secretNumber)
	g, err := h.accept(h.bob, 1, 100, hash, sig)
	require.NoError(t, err)
	assert.Equal(t, core.StatusMatched, g.Status)

	got, err := h.machine.QueryGame(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, h.alice.addr, got.FirstPlayer)
	assert.Equal(t, h.bob.addr, got.SecondPlayer)
	assert.Equal(t, hash, got.CommitmentSecond)
	assert.Equal(t, core.StatusMatched, got.Status)
	assert.Equal(t, time.Minute.Nanoseconds(), got.UpdatedAt-got.CreatedAt)

	assert.Equal(t, uint64(900), h.balance(t, h.bob))
	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), held)

	require.Len(t, h.events, 2)
	ev := h.events[1]
	assert.Equal(t, events.EventWagerAccepted, ev.Type)
	assert.Equal(t, h.bob.addr.Hex(), ev.Data["player"])
	assert.Equal(t, hash.Hex(), ev.Data["commitment"])
}

func TestAcceptGameStakeMismatch(t *testing.T) {
	for _, stake := range []uint64{0, 99, 101} {
		h := newHarness(t)
		h.create(t, h.alice, 1, 100)
		hash, sig := h.bob.commit(t, secretNumber)

		_, err := h.accept(h.bob, 1, stake, hash, sig)
		assert.ErrorIs(t, err, core.ErrStakeMismatch, "stake %d", stake)

		g, _ := h.machine.QueryGame(context.Background(), 1)
		assert.Equal(t, core.StatusOpen, g.Status)
		assert.Equal(t, core.Address{}, g.SecondPlayer)
		assert.Equal(t, uint64(1000), h.balance(t, h.bob))
		assert.Len(t, h.events, 1)
	}
}

func TestAcceptGameBadCommitment(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)

	// Bob replays Alice's commitment.
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.accept(h.bob, 1, 100, hash, sig)
	assert.ErrorIs(t, err, core.ErrInvalidCommitment)

	g, _ := h.machine.QueryGame(context.Background(), 1)
	assert.Equal(t, core.StatusOpen, g.Status)
}

func TestAcceptOwnGame(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)
	hash, sig := h.alice.commit(t, 7)

	_, err := h.accept(h.alice, 1, 100, hash, sig)
	assert.ErrorIs(t, err, core.ErrSelfMatch)
	assert.Equal(t, uint64(900), h.balance(t, h.alice))
}

func TestAcceptUnknownGame(t *testing.T) {
	h := newHarness(t)
	hash, sig := h.bob.commit(t, secretNumber)
	_, err := h.accept(h.bob, 42, 100, hash, sig)
	assert.ErrorIs(t, err, core.ErrGameNotOpen)
}

func TestCancelGame(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 1000)
	assert.Zero(t, h.balance(t, h.alice))

	g, err := h.machine.CancelGame(context.Background(), h.alice.addr, 1)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, g.Status)
	assert.Equal(t, uint64(1000), h.balance(t, h.alice))

	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Zero(t, held)

	require.Len(t, h.events, 2)
	assert.Equal(t, events.EventWagerCancelled, h.events[1].Type)
	assert.Equal(t, uint64(1000), h.events[1].Data["amount"])
}

func TestCancelGameBySomeoneElse(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 1000)

	_, err := h.machine.CancelGame(context.Background(), h.bob.addr, 1)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	g, _ := h.machine.QueryGame(context.Background(), 1)
	assert.Equal(t, core.StatusOpen, g.Status)
	assert.Zero(t, h.balance(t, h.alice))
	assert.Equal(t, uint64(1000), h.balance(t, h.bob))
}

func TestCancelUnknownGame(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.CancelGame(context.Background(), h.alice.addr, 5)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestTerminalStates(t *testing.T) {
	t.Run("matched", func(t *testing.T) {
		h := newHarness(t)
		h.create(t, h.alice, 1, 100)
		hash, sig := h.bob.commit(t, secretNumber)
		_, err := h.accept(h.bob, 1, 100, hash, sig)
		require.NoError(t, err)

		_, err = h.machine.CancelGame(context.Background(), h.alice.addr, 1)
		assert.ErrorIs(t, err, core.ErrGameNotOpen)
		_, err = h.machine.CancelGame(context.Background(), h.bob.addr, 1)
		assert.ErrorIs(t, err, core.ErrUnauthorized)

		hash, sig = h.carol.commit(t, secretNumber)
		_, err = h.accept(h.carol, 1, 100, hash, sig)
		assert.ErrorIs(t, err, core.ErrGameNotOpen)

		g, _ := h.machine.QueryGame(context.Background(), 1)
		assert.Equal(t, h.bob.addr, g.SecondPlayer)
		assert.Equal(t, core.StatusMatched, g.Status)
	})

	t.Run("cancelled", func(t *testing.T) {
		h := newHarness(t)
		h.create(t, h.alice, 1, 100)
		_, err := h.machine.CancelGame(context.Background(), h.alice.addr, 1)
		require.NoError(t, err)

		_, err = h.machine.CancelGame(context.Background(), h.alice.addr, 1)
		assert.ErrorIs(t, err, core.ErrGameNotOpen)
		hash, sig := h.bob.commit(t, secretNumber)
		_, err = h.accept(h.bob, 1, 100, hash, sig)
		assert.ErrorIs(t, err, core.ErrGameNotOpen)
		assert.Equal(t, uint64(1000), h.balance(t, h.alice), "no double refund")
	})
}

func TestQueryAbsentGame(t *testing.T) {
	h := newHarness(t)
	g, err := h.machine.QueryGame(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, core.Game{}, g)
	assert.Equal(t, core.StatusNone, g.Status)
}

// ---- failure injection ----

type failingLedger struct {
	core.Ledger
	failEscrow  bool
	failRelease bool
}

func (f *failingLedger) Escrow(ctx context.Context, from core.Address, gameID, amount uint64) error {
	if f.failEscrow {
		return errors.New("ledger offline")
	}
	return f.Ledger.Escrow(ctx, from, gameID, amount)
}

func (f *failingLedger) Release(ctx context.Context, to core.Address, gameID, amount uint64) error {
	if f.failRelease {
		return errors.New("ledger offline")
	}
	return f.Ledger.Release(ctx, to, gameID, amount)
}

type failingStore struct {
	core.GameStore
	failInsert bool
	failUpdate bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) Insert(g *core.Game) error {
	if f.failInsert {
		return errStoreDown
	}
	return f.GameStore.Insert(g)
}

func (f *failingStore) Update(g *core.Game) error {
	if f.failUpdate {
		return errStoreDown
	}
	return f.GameStore.Update(g)
}

func TestLedgerFailureLeavesNoGame(t *testing.T) {
	fl := &failingLedger{failEscrow: true}
	h := newHarness(t, func(s core.GameStore, l core.Ledger) (core.GameStore, core.Ledger) {
		fl.Ledger = l
		return s, fl
	})
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 100,
	})
	require.Error(t, err)
	_, err = h.registry.Get(1)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.events)

	fl.failEscrow = false
	h.create(t, h.alice, 1, 100)
	fl.failRelease = true
	_, err = h.machine.CancelGame(context.Background(), h.alice.addr, 1)
	require.Error(t, err)
	g, _ := h.machine.QueryGame(context.Background(), 1)
	assert.Equal(t, core.StatusOpen, g.Status)
	assert.Len(t, h.events, 1)
}

func TestStoreFailureRefundsEscrow(t *testing.T) {
	fs := &failingStore{}
	h := newHarness(t, func(s core.GameStore, l core.Ledger) (core.GameStore, core.Ledger) {
		fs.GameStore = s
		return fs, l
	})

	fs.failInsert = true
	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 100,
	})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, uint64(1000), h.balance(t, h.alice))
	assert.Empty(t, h.events)

	fs.failInsert = false
	h.create(t, h.alice, 1, 100)

	fs.failUpdate = true
	hash, sig = h.bob.commit(t, secretNumber)
	_, err = h.accept(h.bob, 1, 100, hash, sig)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, uint64(1000), h.balance(t, h.bob))

	_, err = h.machine.CancelGame(context.Background(), h.alice.addr, 1)
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, uint64(900), h.balance(t, h.alice), "refund is re-escrowed")
	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), held)
	assert.Len(t, h.events, 1)
}

func TestRollbackSurvivesCancelledContext(t *testing.T) {
	// Escrow sees a live context; only the rollback runs after cancel.
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(s core.GameStore, l core.Ledger) (core.GameStore, core.Ledger) {
		return cancelOnInsert{GameStore: s, cancel: cancel}, l
	})

	hash, sig := h.alice.commit(t, secretNumber)
	_, err := h.machine.CreateGame(ctx, h.alice.addr, core.CreateGamePayload{
		GameID: 1, Commitment: hash, Signature: sig, Stake: 100,
	})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, uint64(1000), h.balance(t, h.alice))
}

type cancelOnInsert struct {
	core.GameStore
	cancel context.CancelFunc
}

func (c cancelOnInsert) Insert(*core.Game) error {
	c.cancel()
	return errStoreDown
}

// ---- pluggable recovery ----

type fixedRecoverer struct{ signer core.Address }

func (f fixedRecoverer) RecoverSigner(common.Hash, crypto.Signature) (common.Address, error) {
	return f.signer, nil
}

func TestMachineWithStubRecoverer(t *testing.T) {
	db := testutil.NewMemDB()
	led := ledger.New(db)
	a := common.HexToAddress("0xa1")
	require.NoError(t, led.Credit(a, 10))

	m := New(storage.NewGameRegistry(db), led, commitment.NewVerifier(fixedRecoverer{signer: a}),
		WithLogger(log.New(io.Discard)))
	_, err := m.CreateGame(context.Background(), a, core.CreateGamePayload{GameID: 3, Stake: 10, Commitment: dummyHash})
	require.NoError(t, err)

	_, err = m.CreateGame(context.Background(), common.HexToAddress("0xb2"), core.CreateGamePayload{GameID: 4, Stake: 10})
	assert.ErrorIs(t, err, core.ErrInvalidCommitment)
}

// ---- concurrency ----

func TestAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.create(t, h.alice, 1, 100)
		hash, sig := h.bob.commit(t, secretNumber)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.accept(h.bob, 1, 100, hash, sig)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.machine.CancelGame(context.Background(), h.alice.addr, 1)
		}()
		wg.Wait()

		g, err := h.machine.QueryGame(context.Background(), 1)
		require.NoError(t, err)
		if acceptErr == nil {
			assert.ErrorIs(t, cancelErr, core.ErrGameNotOpen)
			assert.Equal(t, core.StatusMatched, g.Status)
			assert.Equal(t, uint64(900), h.balance(t, h.alice))
			assert.Equal(t, uint64(900), h.balance(t, h.bob))
		} else {
			require.NoError(t, cancelErr)
			assert.ErrorIs(t, acceptErr, core.ErrGameNotOpen)
			assert.Equal(t, core.StatusCancelled, g.Status)
			assert.Equal(t, uint64(1000), h.balance(t, h.alice))
			assert.Equal(t, uint64(1000), h.balance(t, h.bob))
		}
	}
}

func TestConcurrentAcceptsOneWinner(t *testing.T) {
	h := newHarness(t)
	h.create(t, h.alice, 1, 100)

	challengers := []player{h.bob, h.carol}
	errs := make([]error, len(challengers))
	var wg sync.WaitGroup
	for i, p := range challengers {
		hash, sig := p.commit(t, secretNumber)
		wg.Add(1)
		go func(i int, p player) {
			defer wg.Done()
			_, errs[i] = h.accept(p, 1, 100, hash, sig)
		}(i, p)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, core.ErrGameNotOpen)
		}
	}
	assert.Equal(t, 1, wins)
	held, err := h.ledger.EscrowOf(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), held)
}

func TestDistinctGamesConcurrent(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for id := uint64(1); id <= 8; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			hash, sig, err := crypto.SignCommitment(h.alice.key, big.NewInt(int64(id)))
			if !assert.NoError(t, err) {
				return
			}
			_, err = h.machine.CreateGame(context.Background(), h.alice.addr, core.CreateGamePayload{
				GameID: id, Commitment: hash, Signature: sig, Stake: 10,
			})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, uint64(920), h.balance(t, h.alice))
	games, err := h.registry.List(0, 0)
	require.NoError(t, err)
	assert.Len(t, games, 8)
}
