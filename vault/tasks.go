package vault

import (
	"encoding/hex"
	"image"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/foilvault-io/foilvault/vault/envelope"
	"github.com/foilvault-io/foilvault/vault/imaging"
	"github.com/foilvault-io/foilvault/vault/keystore"
	"github.com/foilvault-io/foilvault/vault/logger"
	"github.com/foilvault-io/foilvault/vault/pool"
)

// vaultNameAttempts bounds the random-name retry loop at import.
const vaultNameAttempts = 100

// MediaTracker is the external "also delete from the camera roll" helper,
// notified after an imported source file has been removed.
type MediaTracker interface {
	NotifySourceDeleted(path string)
}

// ImageReply is the reply handle of an image request. Reply is called
// exactly once per request; a nil image means no pixels were produced.
type ImageReply interface {
	Reply(img image.Image)
}

// ImageReplyFunc adapts a function to the ImageReply interface.
type ImageReplyFunc func(image.Image)

// Reply implements ImageReply.
func (f ImageReplyFunc) Reply(img image.Image) { f(img) }

func headerInt(env *envelope.Envelope, name string) int {
	n, err := strconv.Atoi(env.Header(name))
	if err != nil {
		return 0
	}
	return n
}

func headerTime(env *envelope.Envelope, name string) time.Time {
	value := env.Header(name)
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, value); err != nil {
			return time.Time{}
		}
	}
	return t
}

// decryptAndVerify loads one envelope and authenticates it against the
// vault's keys.
func decryptAndVerify(keys *keystore.KeyPair, path string) (*envelope.Envelope, error) {
	env, err := envelope.DecryptFile(keys.Private, path)
	if err != nil {
		return nil, err
	}
	if !env.Verify(keys.Public) {
		return nil, errors.Errorf("could not verify %s", path)
	}
	return env, nil
}

// pickVaultName creates a new file with a random 16-uppercase-hex name
// inside dir, retrying on collision up to vaultNameAttempts times.
func pickVaultName(dir string, rnd io.Reader) (*os.File, string, error) {
	for i := 0; i < vaultNameAttempts; i++ {
		var id [8]byte
		if _, err := io.ReadFull(rnd, id[:]); err != nil {
			return nil, "", errors.Wrap(err, "pick name")
		}
		name := strings.ToUpper(hex.EncodeToString(id[:]))
		f, err := os.OpenFile(filepath.Join(dir, name),
			os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, name, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrap(err, "pick name")
		}
	}
	return nil, "", errors.Errorf("no free name in %s after %d attempts",
		dir, vaultNameAttempts)
}

// thumbHeaders builds the header set of a thumbnail envelope: the subset of
// the image headers the gallery needs plus the full image dimensions.
func thumbHeaders(imageHeaders []envelope.Header, fullW, fullH int) []envelope.Header {
	keep := []string{
		headerOriginalPath,
		headerTitle,
		headerModificationTime,
		headerOrientation,
		headerAccessTime,
	}
	headers := make([]envelope.Header, 0, len(keep)+2)
	for _, name := range keep {
		for _, h := range imageHeaders {
			if h.Name == name {
				headers = append(headers, h)
				break
			}
		}
	}
	headers = append(headers,
		envelope.Header{Name: headerThumbFullWidth, Value: strconv.Itoa(fullW)},
		envelope.Header{Name: headerThumbFullHeight, Value: strconv.Itoa(fullH)},
	)
	return headers
}

// writeThumb encodes and encrypts a thumbnail into a new random-named file
// in the vault directory, returning its name. An empty name means the write
// failed; the caller decides whether that is fatal.
func writeThumb(dir string, keys *keystore.KeyPair, dec imaging.Decoder,
	thumb image.Image, imageHeaders []envelope.Header, contentType string,
	fullW, fullH int, rnd io.Reader, log logger.Logger) string {

	data, err := dec.Encode(thumb, imaging.FormatHint(contentType))
	if err != nil {
		log.Warnf("Failed to encode thumbnail: %v", err)
		return ""
	}
	f, name, err := pickVaultName(dir, rnd)
	if err != nil {
		log.Warnf("Failed to create thumbnail file: %v", err)
		return ""
	}
	err = envelope.Encrypt(f, data, contentType,
		thumbHeaders(imageHeaders, fullW, fullH),
		keys.Private, keys.Public, envelope.Options{})
	f.Close()
	if err != nil {
		log.Warnf("Failed to write thumbnail: %v", err)
		os.Remove(filepath.Join(dir, name))
		return ""
	}
	return name
}

// ==========================================================================
// CheckVault
// ==========================================================================

// checkVaultTask scans the vault directory at startup and reports whether
// any file looks like an encrypted picture. The result gates the
// "generate a new key" UX.
type checkVaultTask struct {
	dir string

	mayHave bool
}

func (t *checkVaultTask) Perform(h *pool.Handle) {
	files, err := ioutil.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, fi := range files {
		if h.Canceled() {
			return
		}
		if fi.IsDir() || fi.Name() == infoFileName {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(t.dir, fi.Name()))
		if err != nil {
			continue
		}
		if _, ok := envelope.Parse(data); ok {
			t.mayHave = true
			return
		}
	}
}

// ==========================================================================
// GenerateKey
// ==========================================================================

type generateKeyTask struct {
	store      *keystore.Store
	bits       int
	passphrase string
	logger     logger.Logger

	pair *keystore.KeyPair
	err  error
}

func (t *generateKeyTask) Perform(h *pool.Handle) {
	t.logger.Debugf("Generating %d-bit key", t.bits)
	priv, err := keystore.Generate(t.bits)
	if err != nil {
		t.err = err
		return
	}
	if h.Canceled() {
		t.err = errors.New("canceled")
		return
	}
	if err := t.store.Write(priv, t.passphrase); err != nil {
		t.err = err
		return
	}
	t.pair = &keystore.KeyPair{Private: priv, Public: &priv.PublicKey}
}

// ==========================================================================
// Encrypt (import)
// ==========================================================================

type encryptTask struct {
	dir         string
	srcPath     string
	orientation int
	keys        *keystore.KeyPair
	thumbWidth  int
	thumbHeight int
	decoder     imaging.Decoder
	prober      imaging.Prober
	media       MediaTracker
	rnd         io.Reader
	logger      logger.Logger

	entry *Entry
}

func (t *encryptTask) Perform(h *pool.Handle) {
	if h.Canceled() {
		return
	}

	f, err := os.Open(t.srcPath)
	if err != nil {
		t.logger.Warnf("Failed to open %s: %v", t.srcPath, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return
	}
	atime, mtime := fileTimes(info)

	data, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		t.logger.Warnf("Failed to mmap %s: %v", t.srcPath, err)
		return
	}
	defer data.UnsafeUnmap()

	contentType, err := t.prober.Probe(t.srcPath)
	if err != nil {
		contentType = ""
	}
	hint := imaging.FormatHint(contentType)

	if h.Canceled() {
		return
	}
	img, err := t.decoder.Decode(data, hint)
	if err != nil {
		// Not an image we can handle; leave the source alone.
		t.logger.Debugf("Failed to decode %s: %v", t.srcPath, err)
		return
	}
	fullW, fullH := img.Bounds().Dx(), img.Bounds().Dy()

	headers := []envelope.Header{
		{Name: headerOriginalPath, Value: t.srcPath},
		{Name: headerTitle, Value: DefaultTitle(t.srcPath)},
		{Name: headerOrientation, Value: strconv.Itoa(t.orientation)},
		{Name: headerModificationTime, Value: mtime.Format(timeFormat)},
		{Name: headerAccessTime, Value: atime.Format(timeFormat)},
	}

	if h.Canceled() {
		return
	}
	imgFile, storedName, err := pickVaultName(t.dir, t.rnd)
	if err != nil {
		t.logger.Warnf("Import of %s failed: %v", t.srcPath, err)
		return
	}
	storedPath := filepath.Join(t.dir, storedName)
	err = envelope.Encrypt(imgFile, data, contentType, headers,
		t.keys.Private, t.keys.Public, envelope.Options{})
	imgFile.Close()
	if err != nil {
		t.logger.Warnf("Failed to encrypt %s: %v", t.srcPath, err)
		os.Remove(storedPath)
		return
	}
	// Best effort: carry the original times over to the vault copy.
	os.Chtimes(storedPath, atime, mtime)

	if h.Canceled() {
		os.Remove(storedPath)
		return
	}
	thumb := imaging.Thumbnail(img, t.thumbWidth, t.thumbHeight, t.orientation)
	thumbName := writeThumb(t.dir, t.keys, t.decoder, thumb, headers,
		contentType, fullW, fullH, t.rnd, t.logger)
	if thumbName == "" {
		os.Remove(storedPath)
		return
	}

	t.entry = &Entry{
		StoredPath:   storedPath,
		ThumbName:    thumbName,
		OriginalPath: t.srcPath,
		Title:        DefaultTitle(t.srcPath),
		ContentType:  contentType,
		Orientation:  t.orientation,
		FullWidth:    fullW,
		FullHeight:   fullH,
		ModTime:      mtime,
		AccessTime:   atime,
		Thumbnail:    thumb,
	}

	// The source is deleted only once the entry exists.
	if err := os.Remove(t.srcPath); err != nil {
		t.logger.Warnf("Failed to delete %s: %v", t.srcPath, err)
	} else if t.media != nil {
		t.media.NotifySourceDeleted(t.srcPath)
	}
	t.logger.Debugf("Imported %s as %s", t.srcPath, storedName)
}

// ==========================================================================
// DecryptCatalog (reconstruction)
// ==========================================================================

// decryptCatalogTask rebuilds the catalog from the vault directory, which
// may be inconsistent with the recorded order. It emits one progress
// message per reconstructed entry; the message transfers ownership of the
// entry to the engine.
type decryptCatalogTask struct {
	dir         string
	keys        *keystore.KeyPair
	thumbWidth  int
	thumbHeight int
	decoder     imaging.Decoder
	rnd         io.Reader
	logger      logger.Logger

	// emit posts one entry back to the engine. It reports false when the
	// entry was not delivered and dies with the task.
	emit func(h *pool.Handle, e *Entry, ordered bool) bool

	started  time.Time
	saveInfo bool
}

func (t *decryptCatalogTask) Perform(h *pool.Handle) {
	if h.Canceled() {
		return
	}
	t.logger.Debugf("Checking %s", t.dir)

	files, err := ioutil.ReadDir(t.dir)
	if err != nil {
		t.logger.Warnf("Failed to read %s: %v", t.dir, err)
		return
	}
	fileMap := make(map[string]string, len(files))
	for _, fi := range files {
		if !fi.IsDir() && fi.Name() != infoFileName {
			fileMap[fi.Name()] = filepath.Join(t.dir, fi.Name())
		}
	}

	order, err := readOrderFile(t.dir, t.keys)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			// The order file exists but cannot be used.
			t.saveInfo = true
		}
		order = nil
	}

	// First decrypt files in known order.
	for _, token := range order {
		if h.Canceled() {
			return
		}
		var imagePath, thumbPath string
		if path, ok := fileMap[token.Image]; ok {
			imagePath = path
			delete(fileMap, token.Image)
		} else {
			// Broken order.
			t.saveInfo = true
		}
		if token.Thumb != "" {
			if path, ok := fileMap[token.Thumb]; ok {
				thumbPath = path
				delete(fileMap, token.Thumb)
			} else {
				t.saveInfo = true
			}
		}
		if !t.decryptFile(h, imagePath, thumbPath, true) {
			t.saveInfo = true
		}
	}

	// Followed by the remaining files in no particular order.
	for _, path := range fileMap {
		if h.Canceled() {
			return
		}
		if t.decryptFile(h, path, "", false) {
			t.logger.Debugf("%s was not expected", path)
			t.saveInfo = true
		}
	}
}

func (t *decryptCatalogTask) decryptFile(h *pool.Handle, imagePath, thumbPath string, ordered bool) bool {
	entry := t.decryptThumb(imagePath, thumbPath)
	if entry == nil {
		entry = t.decryptImage(imagePath)
	}
	if entry == nil {
		return false
	}
	return t.emit(h, entry, ordered)
}

// decryptThumb reconstructs an entry from its thumbnail envelope alone. The
// thumbnail must carry the full image dimensions and the original path, and
// must decode to exactly the configured thumbnail size.
func (t *decryptCatalogTask) decryptThumb(imagePath, thumbPath string) *Entry {
	if imagePath == "" || thumbPath == "" {
		return nil
	}
	env, err := decryptAndVerify(t.keys, thumbPath)
	if err != nil {
		t.logger.Debugf("Failed to decrypt %s: %v", thumbPath, err)
		return nil
	}
	w := headerInt(env, headerThumbFullWidth)
	h := headerInt(env, headerThumbFullHeight)
	origPath := env.Header(headerOriginalPath)
	if w <= 0 || h <= 0 || origPath == "" {
		return nil
	}
	thumb, err := t.decoder.Decode(env.Body, imaging.FormatHint(env.ContentType))
	if err != nil {
		return nil
	}
	if thumb.Bounds().Dx() != t.thumbWidth || thumb.Bounds().Dy() != t.thumbHeight {
		t.logger.Debugf("Stale thumbnail size in %s", thumbPath)
		return nil
	}
	title := env.Header(headerTitle)
	if title == "" {
		title = DefaultTitle(origPath)
	}
	return &Entry{
		StoredPath:   imagePath,
		ThumbName:    filepath.Base(thumbPath),
		OriginalPath: origPath,
		Title:        title,
		ContentType:  env.ContentType,
		Orientation:  headerInt(env, headerOrientation),
		FullWidth:    w,
		FullHeight:   h,
		ModTime:      headerTime(env, headerModificationTime),
		AccessTime:   headerTime(env, headerAccessTime),
		Thumbnail:    thumb,
	}
}

// decryptImage reconstructs an entry from the full image envelope,
// regenerating and re-encrypting the thumbnail as a side effect.
func (t *decryptCatalogTask) decryptImage(imagePath string) *Entry {
	if imagePath == "" {
		return nil
	}
	env, err := decryptAndVerify(t.keys, imagePath)
	if err != nil {
		t.logger.Debugf("Failed to decrypt %s: %v", imagePath, err)
		return nil
	}
	origPath := env.Header(headerOriginalPath)
	if origPath == "" {
		return nil
	}
	if headerInt(env, headerThumbFullWidth) > 0 &&
		headerInt(env, headerThumbFullHeight) > 0 {
		// A stray thumbnail envelope, not a picture.
		return nil
	}
	img, err := t.decoder.Decode(env.Body, imaging.FormatHint(env.ContentType))
	if err != nil {
		t.logger.Debugf("Failed to decode %s: %v", imagePath, err)
		return nil
	}
	fullW, fullH := img.Bounds().Dx(), img.Bounds().Dy()
	orientation := headerInt(env, headerOrientation)
	thumb := imaging.Thumbnail(img, t.thumbWidth, t.thumbHeight, orientation)
	thumbName := writeThumb(t.dir, t.keys, t.decoder, thumb, env.Headers,
		env.ContentType, fullW, fullH, t.rnd, t.logger)
	title := env.Header(headerTitle)
	if title == "" {
		title = DefaultTitle(origPath)
	}
	return &Entry{
		StoredPath:   imagePath,
		ThumbName:    thumbName,
		OriginalPath: origPath,
		Title:        title,
		ContentType:  env.ContentType,
		Orientation:  orientation,
		FullWidth:    fullW,
		FullHeight:   fullH,
		ModTime:      headerTime(env, headerModificationTime),
		AccessTime:   headerTime(env, headerAccessTime),
		Thumbnail:    thumb,
	}
}

// ==========================================================================
// Decrypt (export)
// ==========================================================================

// exportTask decrypts one entry back to its original path, restores the
// original file times and deletes the vault copies.
type exportTask struct {
	keys       *keystore.KeyPair
	storedPath string
	thumbPath  string
	logger     logger.Logger

	ok bool
}

func (t *exportTask) Perform(h *pool.Handle) {
	if h.Canceled() {
		return
	}
	env, err := decryptAndVerify(t.keys, t.storedPath)
	if err != nil {
		t.logger.Warnf("Failed to decrypt %s: %v", t.storedPath, err)
		return
	}
	dest := env.Header(headerOriginalPath)
	if dest == "" {
		t.logger.Warnf("No original path in %s", t.storedPath)
		return
	}
	if h.Canceled() {
		return
	}
	if err := ioutil.WriteFile(dest, env.Body, 0600); err != nil {
		t.logger.Warnf("Failed to write %s: %v", dest, err)
		return
	}
	atime := headerTime(env, headerAccessTime)
	mtime := headerTime(env, headerModificationTime)
	if !mtime.IsZero() {
		if atime.IsZero() {
			atime = mtime
		}
		os.Chtimes(dest, atime, mtime)
	}
	os.Remove(t.storedPath)
	if t.thumbPath != "" {
		os.Remove(t.thumbPath)
	}
	t.logger.Debugf("Decrypted %s to %s", t.storedPath, dest)
	t.ok = true
}

// ==========================================================================
// SaveCatalog
// ==========================================================================

type saveCatalogTask struct {
	dir    string
	keys   *keystore.KeyPair
	order  []orderEntry
	logger logger.Logger

	err error
}

func (t *saveCatalogTask) Perform(h *pool.Handle) {
	if h.Canceled() {
		return
	}
	t.err = writeOrderFile(t.dir, t.keys, t.order)
	if t.err != nil {
		t.logger.Warnf("Failed to save order file: %v", t.err)
	}
}

// ==========================================================================
// ImageRequest
// ==========================================================================

// imageRequestTask produces the decrypted pixels of one image for the
// gallery's pixmap reader. Reply is called exactly once, with nil pixels if
// none were produced, even when the task is canceled.
type imageRequestTask struct {
	keys        *keystore.KeyPair
	path        string
	cached      []byte
	contentType string
	decoder     imaging.Decoder
	reply       ImageReply
	logger      logger.Logger

	replyOnce sync.Once
	fresh     []byte
}

func (t *imageRequestTask) Perform(h *pool.Handle) {
	var img image.Image
	defer func() { t.sendReply(img) }()

	data := t.cached
	contentType := t.contentType
	if data == nil {
		if h.Canceled() {
			return
		}
		env, err := decryptAndVerify(t.keys, t.path)
		if err != nil {
			t.logger.Warnf("Failed to decrypt %s: %v", t.path, err)
			return
		}
		data = env.Body
		contentType = env.ContentType
		t.fresh = data
	}
	if h.Canceled() {
		return
	}
	decoded, err := t.decoder.Decode(data, imaging.FormatHint(contentType))
	if err != nil {
		t.logger.Warnf("Failed to decode %s: %v", t.path, err)
		return
	}
	img = decoded
}

func (t *imageRequestTask) sendReply(img image.Image) {
	t.replyOnce.Do(func() {
		if t.reply != nil {
			t.reply.Reply(img)
		}
	})
}
