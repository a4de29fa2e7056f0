package vault

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	"github.com/foilvault-io/foilvault/vault/imaging"
	"github.com/foilvault-io/foilvault/vault/keystore"
	"github.com/foilvault-io/foilvault/vault/logger"
	"github.com/foilvault-io/foilvault/vault/pool"
)

const intentQueueLen = 256

// Engine owns the catalog of encrypted images, the worker pool and the
// key state machine. All catalog mutation happens on the engine's own
// goroutine; public methods post intents there and, where a result is
// needed, wait for the reply. Observer notifications are coalesced per
// engine turn and emitted in a fixed order.
type Engine struct {
	config   *Config
	logger   logger.Logger
	observer Observer
	pool     *pool.Pool
	store    *keystore.Store

	decoder imaging.Decoder
	prober  imaging.Prober
	pixmaps imaging.PixmapCache
	media   MediaTracker
	rnd     io.Reader

	intents  chan func()
	quit     chan struct{}
	stopOnce sync.Once
	started  bool
	startMu  sync.Mutex

	// Everything below is owned by the engine goroutine.
	data          []*Entry
	foilState     FoilState
	keys          *keystore.KeyPair
	queuedSignals uint32
	mayHave       bool
	thumbWidth    int
	thumbHeight   int
	maxDecrypted  uint64
	needSave      bool
	orderedPrefix int

	checkTask          *pool.Submission
	saveTask           *pool.Submission
	generateTask       *pool.Submission
	decryptCatalogTask *pool.Submission
	encryptTasks       map[*encryptTask]*pool.Submission
	imageRequestTasks  map[*imageRequestTask]*pool.Submission
}

// New creates an Engine for the configured vault. Call Start to probe the
// key store and begin processing.
func New(config *Config, observer Observer) (*Engine, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	var l logger.Logger
	if config.LogSilent {
		l = logger.NewDiscardLogger()
	} else {
		l = logger.NewLogger(config.LogLevel)
	}

	store, err := keystore.New(config.Key.Dir, l)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.VaultDir, 0700); err != nil {
		return nil, errors.Wrap(err, "vault: mkdir")
	}

	maxDecrypted := config.Cache.MaxDecryptedBytes
	if maxDecrypted == 0 {
		// Inherited ratio: Multiplier bytes of cache per KiB of RAM,
		// i.e. 5 KiB per MiB with the default multiplier.
		maxDecrypted = uint64(config.Cache.Multiplier) * (memory.TotalMemory() / 1024)
	}

	pixmaps, err := imaging.NewLRUPixmapCache(config.Cache.PixmapCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:            config,
		logger:            l,
		observer:          observer,
		pool:              pool.New(l),
		store:             store,
		decoder:           imaging.StdDecoder{},
		prober:            imaging.SniffProber{},
		pixmaps:           pixmaps,
		rnd:               rand.Reader,
		intents:           make(chan func(), intentQueueLen),
		quit:              make(chan struct{}),
		thumbWidth:        config.ThumbnailWidth,
		thumbHeight:       config.ThumbnailHeight,
		maxDecrypted:      maxDecrypted,
		encryptTasks:      make(map[*encryptTask]*pool.Submission),
		imageRequestTasks: make(map[*imageRequestTask]*pool.Submission),
	}
	return e, nil
}

// SetDecoder replaces the image decoder. Call before Start.
func (e *Engine) SetDecoder(d imaging.Decoder) { e.decoder = d }

// SetProber replaces the MIME-type probe. Call before Start.
func (e *Engine) SetProber(p imaging.Prober) { e.prober = p }

// SetPixmapCache replaces the pixmap cache the gallery reads thumbnails
// from. Call before Start.
func (e *Engine) SetPixmapCache(c imaging.PixmapCache) { e.pixmaps = c }

// SetMediaTracker sets the helper notified when an imported source file has
// been deleted. Call before Start.
func (e *Engine) SetMediaTracker(m MediaTracker) { e.media = m }

// Start probes the key store, starts the engine goroutine and kicks off the
// startup scan of the vault directory.
func (e *Engine) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return errors.New("vault: already started")
	}
	e.started = true

	switch e.store.Probe() {
	case keystore.KeyMissing:
		e.foilState = FoilKeyMissing
	case keystore.KeyNotEncrypted:
		e.foilState = FoilKeyNotEncrypted
	case keystore.Locked:
		e.foilState = FoilLocked
	default:
		e.foilState = FoilKeyInvalid
	}
	e.logger.Infof("Vault: %s, key state: %v, decrypted cache %s",
		e.config.VaultDir, e.foilState,
		e.config.Cache.BudgetString(e.maxDecrypted))

	go e.run()
	e.post(func() { e.startupCheck() })
	return nil
}

// Stop cancels every task, drains the workers and stops the engine
// goroutine. It does not clear the key pair or the catalog held in memory.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.pool.Shutdown()
		close(e.quit)
	})
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.intents:
			e.turn(fn)
		case fn := <-e.pool.Events():
			e.turn(fn)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) turn(fn func()) {
	fn()
	e.emitQueuedSignals()
}

// post queues fn for the engine goroutine.
func (e *Engine) post(fn func()) {
	select {
	case e.intents <- fn:
	case <-e.quit:
	}
}

// call runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-e.quit:
	}
}

// ==========================================================================
// Signals
// ==========================================================================

func (e *Engine) queueSignal(s signal) {
	e.queuedSignals |= 1 << uint(s)
}

// emitQueuedSignals fires the coalesced notifications in their fixed order:
// count, busy, keyAvailable, foilState, thumbnailSize,
// mayHaveEncryptedPictures. A signal fires at most once per turn.
func (e *Engine) emitQueuedSignals() {
	if e.queuedSignals == 0 {
		return
	}
	emitters := [signalCount]func(){
		e.observer.CountChanged,
		e.observer.BusyChanged,
		e.observer.KeyAvailableChanged,
		e.observer.FoilStateChanged,
		e.observer.ThumbnailSizeChanged,
		e.observer.MayHaveEncryptedPicturesChanged,
	}
	for s := signal(0); s < signalCount; s++ {
		bit := uint32(1) << uint(s)
		if e.queuedSignals&bit != 0 {
			e.queuedSignals &^= bit
			emitters[s]()
		}
	}
}

func (e *Engine) dataChanged(row int, roles ...Role) {
	e.observer.DataChanged(row, roles)
}

// trackBusy snapshots the busy predicate; the returned func queues
// busyChanged if the value has flipped. Use as: defer e.trackBusy()().
func (e *Engine) trackBusy() func() {
	was := e.busy()
	return func() {
		if e.busy() != was {
			e.queueSignal(signalBusyChanged)
		}
	}
}

func (e *Engine) busy() bool {
	return e.checkTask != nil || e.saveTask != nil || e.generateTask != nil ||
		e.decryptCatalogTask != nil || len(e.encryptTasks) > 0 ||
		len(e.imageRequestTasks) > 0
}

func (e *Engine) setFoilState(s FoilState) {
	if e.foilState != s {
		e.foilState = s
		e.queueSignal(signalFoilStateChanged)
	}
}

func (e *Engine) setKeys(pair *keystore.KeyPair) {
	had := e.keys != nil
	e.keys = pair
	if had != (pair != nil) {
		e.queueSignal(signalKeyAvailableChanged)
	}
}

func (e *Engine) setMayHave(b bool) {
	if e.mayHave != b {
		e.mayHave = b
		e.queueSignal(signalMayHaveEncryptedPicturesChanged)
	}
}

// ==========================================================================
// Catalog
// ==========================================================================

func (e *Engine) indexOfPath(path string) int {
	for i, entry := range e.data {
		if entry.StoredPath == path {
			return i
		}
	}
	return -1
}

// lowerBound returns the insertion position for an entry under the
// "descending by modification time" comparator, searching from position
// from.
func (e *Engine) lowerBound(entry *Entry, from int) int {
	lo, hi := from, len(e.data)
	for lo < hi {
		mid := (lo + hi) / 2
		if e.data[mid].ModTime.After(entry.ModTime) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (e *Engine) insertEntry(entry *Entry, pos int) {
	if e.pixmaps != nil && entry.Thumbnail != nil {
		e.pixmaps.Publish(entry.StoredName(), entry.Thumbnail)
	}
	e.observer.BeginInsertRows(pos, pos)
	e.data = append(e.data, nil)
	copy(e.data[pos+1:], e.data[pos:])
	e.data[pos] = entry
	e.logger.Debugf("%d picture(s), inserted %s at %d",
		len(e.data), entry.StoredName(), pos)
	// This tells the app that we better not generate a new key.
	e.setMayHave(true)
	e.observer.EndInsertRows()
	e.queueSignal(signalCountChanged)
}

func (e *Engine) destroyItemAt(index int) {
	if index < 0 || index >= len(e.data) {
		return
	}
	entry := e.data[index]
	e.logger.Debugf("Removing %s", entry.StoredPath)
	if entry.decryptTask != nil {
		entry.decryptTask.Release()
		entry.decryptTask = nil
	}
	if e.pixmaps != nil {
		e.pixmaps.Release(entry.StoredName())
	}
	e.observer.BeginRemoveRows(index, index)
	e.data = append(e.data[:index], e.data[index+1:]...)
	e.setMayHave(false)
	e.observer.EndRemoveRows()
	e.queueSignal(signalCountChanged)
}

func (e *Engine) clearModel() {
	n := len(e.data)
	if n == 0 {
		return
	}
	e.observer.BeginRemoveRows(0, n-1)
	for _, entry := range e.data {
		if entry.decryptTask != nil {
			entry.decryptTask.Release()
			entry.decryptTask = nil
		}
		if e.pixmaps != nil {
			e.pixmaps.Release(entry.StoredName())
		}
	}
	e.data = nil
	e.setMayHave(false)
	e.observer.EndRemoveRows()
	e.queueSignal(signalCountChanged)
}

func (e *Engine) thumbPathOf(entry *Entry) string {
	if entry.ThumbName == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(entry.StoredPath), entry.ThumbName)
}

func (e *Engine) orderSnapshot() []orderEntry {
	order := make([]orderEntry, 0, len(e.data))
	for _, entry := range e.data {
		order = append(order, orderEntry{
			Image: entry.StoredName(),
			Thumb: entry.ThumbName,
		})
	}
	return order
}

// ==========================================================================
// Decrypted-bytes cache
// ==========================================================================

// cacheDecryptedData admits freshly decrypted bytes into the entry's cache
// slot and evicts the furthest slots until the memory budget holds again.
func (e *Engine) cacheDecryptedData(index int, data []byte) {
	e.data[index].Bytes = data
	e.dataChanged(index, RoleDecryptedData)
	for e.tooMuchDataDecrypted() && e.dropDecryptedData(index) {
	}
}

// tooMuchDataDecrypted reports whether the cache exceeds the budget while
// at least two slots are populated.
func (e *Engine) tooMuchDataDecrypted() bool {
	count := 0
	var total uint64
	for _, entry := range e.data {
		if len(entry.Bytes) > 0 {
			count++
			total += uint64(len(entry.Bytes))
			if count > 1 && total > e.maxDecrypted {
				return true
			}
		}
	}
	return false
}

// dropDecryptedData clears the populated slot with the maximal circular
// distance from the do-not-touch index, breaking ties toward the lower
// index.
func (e *Engine) dropDecryptedData(dontTouch int) bool {
	n := len(e.data)
	indexToDrop := -1
	maxDistance := -1
	for i := 0; i < n; i++ {
		if i == dontTouch || len(e.data[i].Bytes) == 0 {
			continue
		}
		// The distance is calculated assuming that the list is circular.
		d1 := ((dontTouch-i)%n + n) % n
		d2 := ((i-dontTouch)%n + n) % n
		distance := d1
		if d2 < d1 {
			distance = d2
		}
		if distance > maxDistance {
			indexToDrop = i
			maxDistance = distance
		}
	}
	if indexToDrop < 0 {
		return false
	}
	e.logger.Debugf("Dropping %s at %d", e.data[indexToDrop].StoredPath, indexToDrop)
	e.data[indexToDrop].Bytes = nil
	e.dataChanged(indexToDrop, RoleDecryptedData)
	return true
}

// ==========================================================================
// Startup check
// ==========================================================================

func (e *Engine) startupCheck() {
	defer e.trackBusy()()
	task := &checkVaultTask{dir: e.config.VaultDir}
	e.checkTask = e.pool.Submit(task, func() { e.onCheckDone(task) })
}

func (e *Engine) onCheckDone(task *checkVaultTask) {
	if e.checkTask == nil || e.checkTask.Task() != pool.Task(task) {
		return
	}
	defer e.trackBusy()()
	e.checkTask = nil
	e.setMayHave(task.mayHave)
	e.logger.Debugf("May have encrypted pictures: %v", task.mayHave)
}

// ==========================================================================
// Order file persistence
// ==========================================================================

func (e *Engine) saveInfo() {
	if e.keys == nil {
		return
	}
	if e.saveTask != nil {
		// Already saving; redo once it finishes.
		e.needSave = true
		return
	}
	task := &saveCatalogTask{
		dir:    e.config.VaultDir,
		keys:   e.keys,
		order:  e.orderSnapshot(),
		logger: e.logger,
	}
	e.saveTask = e.pool.Submit(task, func() { e.onSaveInfoDone(task) })
}

func (e *Engine) onSaveInfoDone(task *saveCatalogTask) {
	if e.saveTask == nil || e.saveTask.Task() != pool.Task(task) {
		return
	}
	defer e.trackBusy()()
	e.saveTask = nil
	if e.needSave {
		e.needSave = false
		e.saveInfo()
	}
}

// ==========================================================================
// Key generation
// ==========================================================================

func (e *Engine) generate(bits int, passphrase string) {
	if e.foilState != FoilKeyMissing && e.foilState != FoilKeyInvalid {
		e.logger.Warnf("Ignoring generateKey in state %v", e.foilState)
		return
	}
	defer e.trackBusy()()
	task := &generateKeyTask{
		store:      e.store,
		bits:       bits,
		passphrase: passphrase,
		logger:     e.logger,
	}
	e.generateTask = e.pool.Submit(task, func() { e.onGenerateKeyDone(task) })
	if e.generateTask == nil {
		return
	}
	e.setFoilState(FoilGeneratingKey)
}

func (e *Engine) onGenerateKeyDone(task *generateKeyTask) {
	if e.generateTask == nil || e.generateTask.Task() != pool.Task(task) {
		return
	}
	defer e.trackBusy()()
	e.generateTask = nil
	if task.err != nil {
		e.logger.Errorf("Key generation failed: %v", task.err)
		e.setFoilState(FoilKeyError)
		return
	}
	e.setKeys(task.pair)
	e.clearModel()
	e.setFoilState(FoilPicsReady)
	e.logger.Infof("Generated new %d-bit key", task.bits)
}

// ==========================================================================
// Unlock / reconstruction
// ==========================================================================

func (e *Engine) unlock(passphrase string) bool {
	if e.foilState != FoilLocked && e.foilState != FoilLockedTimedOut {
		e.logger.Warnf("Ignoring unlock in state %v", e.foilState)
		return false
	}
	pair, err := e.store.TryUnlock(passphrase)
	if err != nil {
		e.logger.Debugf("Unlock failed: %v", err)
		return false
	}
	defer e.trackBusy()()
	e.setKeys(pair)
	e.setFoilState(FoilDecrypting)
	e.orderedPrefix = 0

	task := &decryptCatalogTask{
		dir:         e.config.VaultDir,
		keys:        pair,
		thumbWidth:  e.thumbWidth,
		thumbHeight: e.thumbHeight,
		decoder:     e.decoder,
		rnd:         e.rnd,
		logger:      e.logger,
		started:     time.Now(),
	}
	task.emit = func(h *pool.Handle, entry *Entry, ordered bool) bool {
		return h.Post(func() { e.onCatalogEntry(task, entry, ordered) })
	}
	e.decryptCatalogTask = e.pool.Submit(task, func() { e.onCatalogDone(task) })
	return true
}

func (e *Engine) onCatalogEntry(task *decryptCatalogTask, entry *Entry, ordered bool) {
	if e.decryptCatalogTask == nil || e.decryptCatalogTask.Task() != pool.Task(task) {
		// Stale progress; the entry dies with the message.
		return
	}
	// A removal during reconstruction can shrink the catalog below the
	// ordered prefix.
	if e.orderedPrefix > len(e.data) {
		e.orderedPrefix = len(e.data)
	}
	var pos int
	if ordered {
		// The ordered pass streams entries in order-file order; they
		// form the catalog prefix.
		pos = e.orderedPrefix
		e.orderedPrefix++
	} else {
		pos = e.lowerBound(entry, e.orderedPrefix)
	}
	e.insertEntry(entry, pos)
}

func (e *Engine) onCatalogDone(task *decryptCatalogTask) {
	if e.decryptCatalogTask == nil || e.decryptCatalogTask.Task() != pool.Task(task) {
		return
	}
	defer e.trackBusy()()
	e.decryptCatalogTask = nil
	e.logger.Infof("%d picture(s) decrypted in %s", len(e.data),
		durafmt.Parse(time.Since(task.started).Round(time.Millisecond)))
	if task.saveInfo {
		e.saveInfo()
	}
	if e.foilState == FoilDecrypting {
		e.setFoilState(FoilPicsReady)
	}
}

// ==========================================================================
// Lock
// ==========================================================================

func (e *Engine) lock(timeout bool) {
	if e.keys == nil {
		return
	}
	defer e.trackBusy()()
	if e.saveTask != nil {
		e.saveTask.Release()
		e.saveTask = nil
	}
	e.needSave = false
	if e.decryptCatalogTask != nil {
		e.decryptCatalogTask.Release()
		e.decryptCatalogTask = nil
	}
	for _, sub := range e.encryptTasks {
		sub.Release()
	}
	e.encryptTasks = make(map[*encryptTask]*pool.Submission)
	for _, sub := range e.imageRequestTasks {
		sub.Release()
	}
	e.imageRequestTasks = make(map[*imageRequestTask]*pool.Submission)

	e.clearModel()
	e.setKeys(nil)
	if timeout {
		e.setFoilState(FoilLockedTimedOut)
	} else {
		e.setFoilState(FoilLocked)
	}
	e.logger.Info("Vault locked")
}

// ==========================================================================
// Import
// ==========================================================================

func (e *Engine) encryptFile(path string, orientation int) bool {
	if e.foilState != FoilPicsReady || e.keys == nil {
		e.logger.Warnf("Ignoring encryptFile in state %v", e.foilState)
		return false
	}
	orientation = ((orientation % 360) + 360) % 360
	if orientation%90 != 0 {
		e.logger.Warnf("Rejecting import with orientation %d", orientation)
		return false
	}
	defer e.trackBusy()()
	task := &encryptTask{
		dir:         e.config.VaultDir,
		srcPath:     path,
		orientation: orientation,
		keys:        e.keys,
		thumbWidth:  e.thumbWidth,
		thumbHeight: e.thumbHeight,
		decoder:     e.decoder,
		prober:      e.prober,
		media:       e.media,
		rnd:         e.rnd,
		logger:      e.logger,
	}
	sub := e.pool.Submit(task, func() { e.onEncryptDone(task) })
	if sub == nil {
		return false
	}
	e.encryptTasks[task] = sub
	return true
}

func (e *Engine) onEncryptDone(task *encryptTask) {
	if _, ok := e.encryptTasks[task]; !ok {
		return
	}
	defer e.trackBusy()()
	delete(e.encryptTasks, task)
	if task.entry == nil {
		return
	}
	e.insertEntry(task.entry, e.lowerBound(task.entry, 0))
	e.saveInfo()
}

// ==========================================================================
// Export
// ==========================================================================

func (e *Engine) decryptAt(index int) {
	if index < 0 || index >= len(e.data) || e.keys == nil {
		return
	}
	entry := e.data[index]
	if entry.decryptTask != nil {
		// At most one in-flight export per entry.
		return
	}
	task := &exportTask{
		keys:       e.keys,
		storedPath: entry.StoredPath,
		thumbPath:  e.thumbPathOf(entry),
		logger:     e.logger,
	}
	entry.decryptTask = e.pool.Submit(task, func() { e.onExportDone(task) })
}

func (e *Engine) decryptAll() {
	for i := range e.data {
		e.decryptAt(i)
	}
}

func (e *Engine) onExportDone(task *exportTask) {
	index := e.indexOfPath(task.storedPath)
	if index < 0 {
		return
	}
	entry := e.data[index]
	if entry.decryptTask == nil || entry.decryptTask.Task() != pool.Task(task) {
		return
	}
	entry.decryptTask = nil
	if !task.ok {
		// The entry survives; the observer may retry.
		return
	}
	e.destroyItemAt(index)
	e.saveInfo()
}

// ==========================================================================
// Removal
// ==========================================================================

func (e *Engine) removeAt(index int) {
	if index < 0 || index >= len(e.data) {
		return
	}
	entry := e.data[index]
	path := entry.StoredPath
	thumbPath := e.thumbPathOf(entry)
	e.destroyItemAt(index)
	if err := os.Remove(path); err != nil {
		e.logger.Warnf("Failed to delete %s: %v", path, err)
	}
	if thumbPath != "" {
		if err := os.Remove(thumbPath); err != nil {
			e.logger.Warnf("Failed to delete %s: %v", thumbPath, err)
		}
	}
	e.saveInfo()
}

// ==========================================================================
// Image requests
// ==========================================================================

func (e *Engine) imageRequest(path string, reply ImageReply) {
	index := e.indexOfPath(path)
	if index < 0 || e.keys == nil {
		if reply != nil {
			reply.Reply(nil)
		}
		return
	}
	defer e.trackBusy()()
	entry := e.data[index]
	task := &imageRequestTask{
		keys:        e.keys,
		path:        path,
		cached:      entry.Bytes,
		contentType: entry.ContentType,
		decoder:     e.decoder,
		reply:       reply,
		logger:      e.logger,
	}
	sub := e.pool.Submit(task, func() { e.onImageRequestDone(task) })
	if sub == nil {
		task.sendReply(nil)
		return
	}
	e.imageRequestTasks[task] = sub
}

func (e *Engine) onImageRequestDone(task *imageRequestTask) {
	if _, ok := e.imageRequestTasks[task]; !ok {
		return
	}
	defer e.trackBusy()()
	delete(e.imageRequestTasks, task)
	if task.fresh == nil {
		return
	}
	if index := e.indexOfPath(task.path); index >= 0 {
		e.cacheDecryptedData(index, task.fresh)
	}
}

// ==========================================================================
// Public interface
// ==========================================================================

// Count returns the number of catalog entries.
func (e *Engine) Count() int {
	var n int
	e.call(func() { n = len(e.data) })
	return n
}

// Busy reports whether any check, save, generate, reconstruction, import or
// image-request task is in flight.
func (e *Engine) Busy() bool {
	var b bool
	e.call(func() { b = e.busy() })
	return b
}

// KeyAvailable reports whether key material is held in memory.
func (e *Engine) KeyAvailable() bool {
	var b bool
	e.call(func() { b = e.keys != nil })
	return b
}

// FoilState returns the engine state.
func (e *Engine) FoilState() FoilState {
	var s FoilState
	e.call(func() { s = e.foilState })
	return s
}

// MayHaveEncryptedPictures reports whether the startup scan found anything
// that looks like an encrypted picture.
func (e *Engine) MayHaveEncryptedPictures() bool {
	var b bool
	e.call(func() { b = e.mayHave })
	return b
}

// ThumbnailSize returns the configured thumbnail size.
func (e *Engine) ThumbnailSize() Size {
	var s Size
	e.call(func() { s = Size{Width: e.thumbWidth, Height: e.thumbHeight} })
	return s
}

// SetThumbnailSize changes the thumbnail size used by future imports and
// reconstructions.
func (e *Engine) SetThumbnailSize(s Size) {
	e.post(func() {
		if s.Width <= 0 || s.Height <= 0 {
			return
		}
		if s.Width != e.thumbWidth || s.Height != e.thumbHeight {
			e.thumbWidth = s.Width
			e.thumbHeight = s.Height
			e.queueSignal(signalThumbnailSizeChanged)
		}
	})
}

// EntryAt returns a copy of the catalog entry at index.
func (e *Engine) EntryAt(index int) (Entry, bool) {
	var entry Entry
	var ok bool
	e.call(func() {
		if index >= 0 && index < len(e.data) {
			entry = *e.data[index]
			entry.decryptTask = nil
			ok = true
		}
	})
	return entry, ok
}

// Data returns the value of one observer role for a row, or nil.
func (e *Engine) Data(index int, role Role) interface{} {
	var v interface{}
	e.call(func() {
		if index < 0 || index >= len(e.data) {
			return
		}
		entry := e.data[index]
		switch role {
		case RoleURL:
			v = entry.StoredPath
		case RoleThumbnail:
			v = entry.Thumbnail
		case RoleDecryptedData:
			v = entry.Bytes
		case RoleOrientation:
			v = entry.Orientation
		case RoleMimeType:
			v = entry.ContentType
		case RoleTitle:
			v = entry.Title
		case RoleFileName:
			v = entry.StoredName()
		case RoleImageWidth:
			v = entry.FullWidth
		case RoleImageHeight:
			v = entry.FullHeight
		}
	})
	return v
}

// GenerateKey creates a new key pair of the given size, protected by the
// passphrase. Ignored unless the key is missing or invalid.
func (e *Engine) GenerateKey(bits int, passphrase string) {
	if bits == 0 {
		bits = e.config.Key.Bits
	}
	e.post(func() { e.generate(bits, passphrase) })
}

// Unlock attempts to unlock the vault and start catalog reconstruction.
func (e *Engine) Unlock(passphrase string) bool {
	var ok bool
	e.call(func() { ok = e.unlock(passphrase) })
	return ok
}

// Lock drops all key material and decrypted data and cancels outstanding
// work. The timeout flag distinguishes an automatic lock from a user lock.
func (e *Engine) Lock(timeout bool) {
	e.call(func() { e.lock(timeout) })
}

// CheckPassword verifies a passphrase against the key file without
// unlocking.
func (e *Engine) CheckPassword(passphrase string) bool {
	var ok bool
	e.call(func() { ok = e.store.CheckPassphrase(passphrase) })
	return ok
}

// ChangePassword re-encrypts the private key under a new passphrase.
func (e *Engine) ChangePassword(oldPass, newPass string) bool {
	var ok bool
	e.call(func() { ok = e.store.ChangePassphrase(oldPass, newPass) == nil })
	return ok
}

// EncryptFile imports one image into the vault. The source file is deleted
// once the import succeeds.
func (e *Engine) EncryptFile(path string, orientation int) bool {
	var ok bool
	e.call(func() { ok = e.encryptFile(path, orientation) })
	return ok
}

// DecryptAt exports the entry at index back to its original path and
// removes it from the vault.
func (e *Engine) DecryptAt(index int) {
	e.post(func() { e.decryptAt(index) })
}

// DecryptAll exports every entry.
func (e *Engine) DecryptAll() {
	e.post(func() { e.decryptAll() })
}

// RemoveAt deletes the entry at index and its files.
func (e *Engine) RemoveAt(index int) {
	e.post(func() { e.removeAt(index) })
}

// ImageRequest asks for the decrypted pixels of the image stored at path.
// The reply handle is invoked exactly once, possibly with nil pixels.
func (e *Engine) ImageRequest(path string, reply ImageReply) {
	e.post(func() { e.imageRequest(path, reply) })
}
