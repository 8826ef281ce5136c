package domain

import "context"

// Platform is the chat network client the dispatcher and pipeline talk to.
//
// Uploading a photo is a negotiation: the platform hands out an upload
// target, accepts the bytes, and exchanges the upload for an attachment
// reference that can be sent. Platforms whose APIs upload at send time
// stage the file locally and return a reference to the staged copy.
type Platform interface {
	Name() string
	SendText(ctx context.Context, peerID, text string) error
	UploadPhoto(ctx context.Context, peerID, path string) (string, error)
	SendAttachment(ctx context.Context, peerID, ref string) error
}

// Fetcher downloads the raw bytes behind a photo URL. Platforms whose photo
// URLs need credentials or resolution implement it; others fall back to
// plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
