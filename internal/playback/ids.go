package playback

import (
	"fmt"
	"strconv"
	"strings"
)

// DialogueID is the stable session id of a dialogue line.
func DialogueID(scene, dialogue int) string {
	return fmt.Sprintf("scene-%d-dialogue-%d", scene, dialogue)
}

// NarrationID is the stable session id of a scene's narration.
func NarrationID(scene int) string {
	return fmt.Sprintf("narration-%d", scene)
}

// ParseID reverses DialogueID and NarrationID. dialogue is -1 for narration.
func ParseID(id string) (scene, dialogue int, ok bool) {
	if rest, found := strings.CutPrefix(id, "narration-"); found {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		return n, -1, true
	}
	rest, found := strings.CutPrefix(id, "scene-")
	if !found {
		return 0, 0, false
	}
	sceneStr, dlgStr, found := strings.Cut(rest, "-dialogue-")
	if !found {
		return 0, 0, false
	}
	s, err1 := strconv.Atoi(sceneStr)
	d, err2 := strconv.Atoi(dlgStr)
	if err1 != nil || err2 != nil || s < 0 || d < 0 {
		return 0, 0, false
	}
	return s, d, true
}
