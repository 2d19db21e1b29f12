package service

import "errors"

// Sentinel errors for the service layer.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrUnknownSite       = errors.New("source site is unknown or inactive")
	ErrPathClaimed       = errors.New("source path is already tracked")
	ErrSizeMismatch      = errors.New("received size does not match declared size")
	ErrHashMismatch      = errors.New("received content does not match declared hash")
	ErrTooLarge          = errors.New("upload exceeds the maximum allowed size")
	ErrVerifyFailed      = errors.New("file record could not be verified after write")
	ErrLocked            = errors.New("file is locked and cannot be deleted")
	ErrNoAssignee        = errors.New("no eligible user to assign")
	ErrUnknownUser       = errors.New("assignee does not exist")
	ErrTaskNotAllowed    = errors.New("task not allowed for file in its current state")
	ErrTaskExists        = errors.New("an open task of this kind already exists for the file")
	ErrWrongSite         = errors.New("task belongs to another site")
	ErrInvalidCredential = errors.New("invalid username or password")
	ErrUnauthenticated   = errors.New("not authenticated")
	ErrBootstrapClosed   = errors.New("bootstrap is only available before the first user exists")
	ErrConflict          = errors.New("already exists")
)
