package app

type command int

const (
	cmdNone command = iota
	cmdQuit
	cmdNext
	cmdPrev
	cmdFirst
	cmdLast
	cmdRandom
	cmdMovePrefix
	cmdDelete
	cmdUndo
	cmdSlideshow
)

// keymap resolves a raw keystroke to a command. Unmapped bytes fall
// through to cmdNone and are ignored.
type keymap map[byte]command

func defaultKeymap() keymap {
	return keymap{
		'n': cmdNext,
		' ': cmdNext,
		'p': cmdPrev,
		'N': cmdPrev,
		'g': cmdFirst,
		'G': cmdLast,
		'r': cmdRandom,
		'm': cmdMovePrefix,
		'd': cmdDelete,
		'x': cmdDelete,
		'u': cmdUndo,
		's': cmdSlideshow,
		'q': cmdQuit,
		3:   cmdQuit, // ctrl-c, raw mode delivers it as a byte
	}
}
