package pipeline

import (
	"io"
)

const helpText = `filesync [-s] [-l] [-ll] [-a file+] [-r file+] [-f] [-c[c]] [-u user] [-v] [sleep=#]
-s : Start a new filesync repository. Asks for the server, home directory, protocol and user name
-l : List the repository. Any file followed by ** needs to be synced. Arguments are patterns that every listed file must match
-ll : List only the files that need to be synced
-a : Add files to the repository
-f : Mark all files up-to-date without syncing with the server
-r : Remove files from the repository
-c : Sync changed files with the server
-cc : Force a sync of all files, or of the files matching any of the given patterns
-v : Verbose output
-u some-user : Use 'some-user' instead of the user name stored in the repository
sleep=X : For -c and -cc only. Wait X seconds between two files, for servers that do not want data sent too fast. e.g: 'filesync -c sleep=2'

Multiple actions run one after the other.
Example: filesync -l -a foo -c -l
lists the files, adds 'foo', syncs the repository and lists the files again.

filesync keeps a remote copy of a set of local files up to date. The files it
tracks form the filesync repository, stored in .filesync in the current
directory. Each file is remembered by an md5 sum of its content, so a sync
transfers only the files changed since the last successful sync, or all of
them if no sync has happened yet.
`

// WriteHelp prints the usage of the flag grammar understood by Parse.
func WriteHelp(w io.Writer) error {
	_, err := io.WriteString(w, helpText)
	return err
}
