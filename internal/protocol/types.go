package protocol

// Wire shapes for the staged protocol. Responses are validated at this
// boundary; anything malformed becomes a ProtocolError instead of
// leaking a half-decoded struct upward.

// InitFile announces one file pending initialization.
type InitFile struct {
	InputName string `json:"inputName"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	MIME      string `json:"mime"`
	Chunks    int    `json:"chunks"`
}

// InitRequest lists all files pending initialization for the session.
type InitRequest struct {
	Files []InitFile `json:"files"`
}

// InitPart is one transfer-part slot: the URL the chunk's bytes go to.
type InitPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// InitResultFile is the per-file init response: a staging handle plus a
// part-URL list whose length must match the file's chunk count.
type InitResultFile struct {
	InputName     string     `json:"inputName"`
	StagingHandle string     `json:"stagingHandle"`
	Path          string     `json:"path,omitempty"`
	Parts         []InitPart `json:"parts"`
}

type InitResult struct {
	Files []InitResultFile `json:"files"`
}

// CompletePart pairs a part number with its confirmation token.
type CompletePart struct {
	PartNumber        int    `json:"partNumber"`
	ConfirmationToken string `json:"confirmationToken"`
}

// CompleteFile asks the remote to assemble one file's confirmed parts.
type CompleteFile struct {
	InputName     string         `json:"inputName"`
	StagingHandle string         `json:"stagingHandle"`
	Path          string         `json:"path"`
	Parts         []CompletePart `json:"parts"`
}

type CompleteRequest struct {
	Files []CompleteFile `json:"files"`
}

// CompleteResultFile maps an input file back to its durable remote
// identifier. Either FileID or Path may be set; when both are absent
// the adapter falls back to the synthesized init path.
type CompleteResultFile struct {
	InputName string `json:"inputName"`
	FileID    string `json:"fileId,omitempty"`
	Path      string `json:"path,omitempty"`
}

type CompleteResult struct {
	Files []CompleteResultFile `json:"files"`
}

// SimpleResult is the response body of a simple-mode upload. The remote
// identifier is taken from fileId, then path.
type SimpleResult struct {
	FileID string `json:"fileId,omitempty"`
	Path   string `json:"path,omitempty"`
}
