package bridge

import "time"

// Input message types accepted by SendInput.
const (
	InputText       = "text"
	InputImage      = "image"
	InputScreenshot = "screenshot"
	InputVoice      = "voice"
	InputFile       = "file"
)

// Output message types delivered to observers.
const (
	OutputText   = "text"
	OutputImage  = "image"
	OutputVoice  = "voice"
	OutputFile   = "file"
	OutputError  = "error"
	OutputEnd    = "end"
	OutputStatus = "status"
	OutputSaved  = "saved"
)

// InputMessage is a user-originated message on its way to the server.
// Content is the text for InputText and a local file path for every other
// type. Metadata["text"] carries the optional caption for image and file
// sends.
type InputMessage struct {
	Type      string
	Content   string
	SessionID string
	Timestamp time.Time
	Metadata  map[string]string
}

// OutputMessage is a server-originated message on its way to the UI.
// Streaming marks an incremental chunk of a longer reply. IsComplete is
// set only on the normal end-of-reply marker; an interrupted reply ends
// with IsComplete false and Metadata["break"] set.
type OutputMessage struct {
	Type       string
	Content    string
	SessionID  string
	Streaming  bool
	IsComplete bool
	Metadata   map[string]string
}
