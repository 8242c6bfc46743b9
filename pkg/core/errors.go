package core

import "errors"

var (
	ErrParse            = errors.New("malformed command")
	ErrArgs             = errors.New("invalid arguments")
	ErrEmptyArgs        = errors.New("missing arguments")
	ErrNotFound         = errors.New("actor not found")
	ErrLoadFailed       = errors.New("asset could not be loaded")
	ErrLoadMesh         = errors.New("static mesh could not be loaded")
	ErrNoMeshComponents = errors.New("actor has no static mesh components")
	ErrSlotOutOfRange   = errors.New("material slot out of range")
	ErrImmutable        = errors.New("actor is not movable")
	ErrModeConflict     = errors.New("command not available in the current runtime mode")
	ErrEditorOnly       = errors.New("command is editor-only")
	ErrUnsupported      = errors.New("operation not supported by this host")
	ErrSpawnFailed      = errors.New("actor could not be spawned")
	ErrNoWorld          = errors.New("no world available")
	ErrSaveFailed       = errors.New("preset could not be saved")
	ErrPresetNotFound   = errors.New("preset not found")
	ErrScriptFailed     = errors.New("script execution failed")
	ErrUnknownCommand   = errors.New("unknown command")
)

// reasons maps each sentinel to the short token sent after the ERR marker.
// Order matters: the first sentinel matched by errors.Is wins.
var reasons = []struct {
	err   error
	token string
}{
	{ErrModeConflict, "PIE"},
	{ErrUnknownCommand, "Unknown"},
	{ErrEmptyArgs, "EmptyArgs"},
	{ErrArgs, "Args"},
	{ErrParse, "ParseError"},
	{ErrNotFound, "NotFound"},
	{ErrLoadMesh, "LoadMesh"},
	{ErrLoadFailed, "LoadFailed"},
	{ErrNoMeshComponents, "NoSMC"},
	{ErrSlotOutOfRange, "SlotOutOfRange"},
	{ErrImmutable, "Immutable"},
	{ErrEditorOnly, "EditorOnly"},
	{ErrUnsupported, "Unsupported"},
	{ErrSpawnFailed, "SpawnFailed"},
	{ErrNoWorld, "NoWorld"},
	{ErrSaveFailed, "SaveFailed"},
	{ErrPresetNotFound, "PresetNotFound"},
	{ErrScriptFailed, "ScriptFailed"},
}

// Reason returns the wire reason token for err, or "Error" when err does
// not wrap a known sentinel.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.token
		}
	}
	return "Error"
}
