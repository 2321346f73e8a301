package connect

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do`, recovering and logging a panic. Handlers are called with the recovered error.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Errorf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// Times `do` as a span at `V(2)`. Without that verbosity `do` runs untraced.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	glog.Infof("[trace]%s start\n", tag)
	result, returnErr = do()
	millis := float32(time.Since(start)) / float32(time.Millisecond)
	if returnErr != nil {
		glog.Infof("[trace]%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("[trace]%s (%.2fms) = %v\n", tag, millis, result)
	}
	return
}
