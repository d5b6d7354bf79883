package ideas

import (
	"strings"
)

// one opaque token for "which screen, and optionally which entity".
// the rendering layer consumes the token; the engine never depends on a
// rendering concept.
type Screen string

const (
	ScreenHome      Screen = "home"
	ScreenFavorites Screen = "fav"
	ScreenAdd       Screen = "add"
	ScreenAssistant Screen = "assistant"
	ScreenMyPrompts Screen = "myPrompts"
	ScreenSettings  Screen = "settings"
	ScreenProfile   Screen = "profile"
)

const screenDetailPrefix = "detail:"
const screenEditPrefix = "edit:"

func DetailScreen(promptId Id) Screen {
	return Screen(screenDetailPrefix + promptId.String())
}

func EditScreen(promptId Id) Screen {
	return Screen(screenEditPrefix + promptId.String())
}

func (self Screen) DetailId() (Id, bool) {
	return screenId(self, screenDetailPrefix)
}

func (self Screen) EditId() (Id, bool) {
	return screenId(self, screenEditPrefix)
}

func screenId(screen Screen, prefix string) (Id, bool) {
	idStr, ok := strings.CutPrefix(string(screen), prefix)
	if !ok {
		return Id{}, false
	}
	id, err := ParseId(idStr)
	if err != nil {
		return Id{}, false
	}
	return id, true
}

func (self *Session) SetScreen(screen Screen) {
	self.stateLock.Lock()
	self.screen = screen
	self.stateLock.Unlock()

	self.notifyStateChange()
}

func (self *Session) Screen() Screen {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.screen
}

// resolves the current token against the local collections:
// `detail:<id>` against the feed, `edit:<id>` against the authored
// collection. an id that is absent from the relevant collection, e.g.
// deleted concurrently or not yet synced, falls back to the home screen
// instead of failing. a malformed token also falls back to home.
func (self *Session) ResolveScreen() (Screen, *Prompt) {
	screen := self.Screen()

	if promptId, ok := screen.DetailId(); ok {
		if prompt := self.promptById(promptId); prompt != nil {
			return screen, prompt
		}
		return ScreenHome, nil
	}

	if promptId, ok := screen.EditId(); ok {
		if prompt := self.myPromptById(promptId); prompt != nil {
			return screen, prompt
		}
		return ScreenHome, nil
	}

	switch screen {
	case ScreenHome, ScreenFavorites, ScreenAdd, ScreenAssistant, ScreenMyPrompts, ScreenSettings, ScreenProfile:
		return screen, nil
	default:
		return ScreenHome, nil
	}
}
