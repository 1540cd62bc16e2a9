package ledger

import "path/filepath"

// Names of the files and directories under a base directory.
const (
	FileName     = "ledger.toml"
	LocksDirName = ".locks"
	InboxDirName = "inbox"
	RepoDirName  = "repo"
	CryptDirName = "crypt"
)

// Layout resolves paths under one base directory.
type Layout struct {
	Base string
}

// Ledger is the ledger file path.
func (l Layout) Ledger() string { return filepath.Join(l.Base, FileName) }

// Lock is the lock file guarding the ledger. It lives in its own directory
// and is never replaced, so flock on it stays meaningful while the ledger is
// rewritten by rename.
func (l Layout) Lock() string { return filepath.Join(l.Base, LocksDirName, FileName+".lock") }

func (l Layout) Inbox() string { return filepath.Join(l.Base, InboxDirName) }

func (l Layout) Repo() string { return filepath.Join(l.Base, RepoDirName) }

// RepoTag is the archive directory of one tag.
func (l Layout) RepoTag(tag string) string { return filepath.Join(l.Base, RepoDirName, tag) }

func (l Layout) Crypt() string { return filepath.Join(l.Base, CryptDirName) }

// CryptTag is the fragment directory of one tag.
func (l Layout) CryptTag(tag string) string { return filepath.Join(l.Base, CryptDirName, tag) }

// Dirs lists the directories `init` creates.
func (l Layout) Dirs() []string {
	return []string{l.Inbox(), l.Repo(), l.Crypt()}
}
