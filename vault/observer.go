package vault

// Observer receives the engine's change notifications. All callbacks are
// invoked from the engine's own goroutine; implementations must not call
// back into the engine synchronously.
type Observer interface {
	CountChanged()
	BusyChanged()
	KeyAvailableChanged()
	FoilStateChanged()
	ThumbnailSizeChanged()
	MayHaveEncryptedPicturesChanged()

	// DataChanged reports per-row mutations.
	DataChanged(row int, roles []Role)

	// Row bracketing around catalog mutations. Indices are inclusive and
	// valid at the time of the call.
	BeginInsertRows(first, last int)
	EndInsertRows()
	BeginRemoveRows(first, last int)
	EndRemoveRows()
}

// NoopObserver is an Observer that ignores everything. Embed it to implement
// only the callbacks of interest.
type NoopObserver struct{}

func (NoopObserver) CountChanged()                    {}
func (NoopObserver) BusyChanged()                     {}
func (NoopObserver) KeyAvailableChanged()             {}
func (NoopObserver) FoilStateChanged()                {}
func (NoopObserver) ThumbnailSizeChanged()            {}
func (NoopObserver) MayHaveEncryptedPicturesChanged() {}
func (NoopObserver) DataChanged(int, []Role)          {}
func (NoopObserver) BeginInsertRows(int, int)         {}
func (NoopObserver) EndInsertRows()                   {}
func (NoopObserver) BeginRemoveRows(int, int)         {}
func (NoopObserver) EndRemoveRows()                   {}

// signal identifies one coalesced observer notification. The order of the
// constants is the emission order.
type signal int

const (
	signalCountChanged signal = iota
	signalBusyChanged
	signalKeyAvailableChanged
	signalFoilStateChanged
	signalThumbnailSizeChanged
	signalMayHaveEncryptedPicturesChanged
	signalCount
)
