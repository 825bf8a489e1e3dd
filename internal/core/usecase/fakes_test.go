package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

type clockFake struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clockFake { return &clockFake{now: fixedNow} }

func (c *clockFake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockFake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sessionStoreFake struct {
	mu       sync.Mutex
	sessions map[string]domain.ConversationSession
	casCalls int
	// conflicts makes the next N CAS calls fail with a concurrent update.
	conflicts int
}

func newSessionStoreFake() *sessionStoreFake {
	return &sessionStoreFake{sessions: map[string]domain.ConversationSession{}}
}

func (f *sessionStoreFake) LoadSession(_ context.Context, key string) (*domain.ConversationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *sessionStoreFake) CompareAndSwapSession(_ context.Context, key string, expected int64, next *domain.ConversationSession, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casCalls++
	if f.conflicts > 0 {
		f.conflicts--
		return domain.WrapError(domain.ErrConcurrentUpdate, "cas", errors.New("injected"))
	}
	var current int64
	if s, ok := f.sessions[key]; ok {
		current = s.Version
	}
	if current != expected {
		return domain.WrapError(domain.ErrConcurrentUpdate, "cas", errors.New("version moved"))
	}
	f.sessions[key] = *next
	return nil
}

func (f *sessionStoreFake) DeleteSession(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, key)
	return nil
}

func (f *sessionStoreFake) get(key string) (domain.ConversationSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	return s, ok
}

type rateStoreFake struct {
	mu       sync.Mutex
	counters map[string]domain.RateLimitCounter
}

func newRateStoreFake() *rateStoreFake {
	return &rateStoreFake{counters: map[string]domain.RateLimitCounter{}}
}

func (f *rateStoreFake) LoadCounter(_ context.Context, identity string) (*domain.RateLimitCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[identity]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *rateStoreFake) CompareAndSwapCounter(_ context.Context, identity string, expected int64, next *domain.RateLimitCounter, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var current int64
	if c, ok := f.counters[identity]; ok {
		current = c.Version
	}
	if current != expected {
		return domain.WrapError(domain.ErrConcurrentUpdate, "cas", errors.New("version moved"))
	}
	f.counters[identity] = *next
	return nil
}

type tenantDirFake struct {
	tenants map[string]*domain.Tenant
}

func (f *tenantDirFake) TenantByEndpoint(_ context.Context, _ domain.Channel, endpoint string) (*domain.Tenant, error) {
	if t, ok := f.tenants[endpoint]; ok {
		copyTenant := *t
		return &copyTenant, nil
	}
	return nil, domain.WrapError(domain.ErrTenantNotConfigured, "tenant by endpoint", errors.New(endpoint))
}

type clientDirFake struct {
	mu       sync.Mutex
	clients  []domain.Client
	lookups  [][]string
	created  []domain.Client
	findErr  error
	leakyAll bool
}

func (f *clientDirFake) FindByIdentifiers(_ context.Context, tenantID string, variants []string) (*domain.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, variants)
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, v := range variants {
		for _, c := range f.clients {
			if !f.leakyAll && c.TenantID != tenantID {
				continue
			}
			if c.Phone == v || c.Email == v {
				found := c
				return &found, nil
			}
		}
	}
	return nil, domain.WrapError(domain.ErrClientNotFound, "find client", errors.New("no match"))
}

func (f *clientDirFake) CreateClient(_ context.Context, c *domain.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = append(f.clients, *c)
	f.created = append(f.created, *c)
	return nil
}

type vendorRepoFake struct {
	vendors []domain.Vendor
	created []domain.Vendor
}

func (f *vendorRepoFake) FindByTaxID(_ context.Context, tenantID, taxID string) (*domain.Vendor, error) {
	for _, v := range f.vendors {
		if v.TenantID == tenantID && v.TaxID == taxID {
			found := v
			return &found, nil
		}
	}
	return nil, nil
}

func (f *vendorRepoFake) ListByTenant(_ context.Context, tenantID string) ([]domain.Vendor, error) {
	out := []domain.Vendor{}
	for _, v := range f.vendors {
		if v.TenantID == tenantID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *vendorRepoFake) CreateVendor(_ context.Context, v *domain.Vendor) error {
	f.vendors = append(f.vendors, *v)
	f.created = append(f.created, *v)
	return nil
}

type docRepoFake struct {
	mu      sync.Mutex
	docs    map[string]domain.Document
	saves   []domain.DocumentStatus
	saveErr error
	// failSaves makes the next N saves fail before saveErr is consulted.
	failSaves int
}

func newDocRepoFake() *docRepoFake {
	return &docRepoFake{docs: map[string]domain.Document{}}
}

func (f *docRepoFake) Create(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = *doc
	return nil
}

func (f *docRepoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(id))
	}
	return &doc, nil
}

func (f *docRepoFake) Save(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("connection reset")
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, doc.Status)
	f.docs[doc.ID] = *doc
	return nil
}

func (f *docRepoFake) ListByStatus(_ context.Context, tenantID string, status domain.DocumentStatus, limit int) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Document{}
	for _, d := range f.docs {
		if d.TenantID == tenantID && d.Status == status && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *docRepoFake) only() domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		return d
	}
	return domain.Document{}
}

type storageFake struct {
	objects map[string][]byte
	err     error
}

func newStorageFake() *storageFake { return &storageFake{objects: map[string][]byte{}} }

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[key] = b
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type ledgerFake struct {
	entries []domain.LedgerEntry
	err     error
}

func (f *ledgerFake) Commit(_ context.Context, entry domain.LedgerEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type reviewQueueFake struct {
	items []domain.ReviewItem
	edits []string
}

func (f *reviewQueueFake) Enqueue(_ context.Context, item domain.ReviewItem) error {
	f.items = append(f.items, item)
	return nil
}

func (f *reviewQueueFake) RequestManualEdit(_ context.Context, documentID string) error {
	f.edits = append(f.edits, documentID)
	return nil
}

type messengerFake struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
	err  error
}

func (f *messengerFake) Send(_ context.Context, msg domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *messengerFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *messengerFake) last() domain.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return domain.OutboundMessage{}
	}
	return f.sent[len(f.sent)-1]
}

type fetcherFake struct {
	media domain.Media
	err   error
}

func (f *fetcherFake) FetchMedia(context.Context, domain.MediaRef) (domain.Media, error) {
	if f.err != nil {
		return domain.Media{}, f.err
	}
	return f.media, nil
}

type dedupFake struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *dedupFake) MarkSeen(_ context.Context, id string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

type invoiceIndexFake struct {
	duplicateOf string
	err         error
	calls       int
}

func (f *invoiceIndexFake) FindDuplicate(context.Context, string, string, string, string) (string, error) {
	f.calls++
	return f.duplicateOf, f.err
}
