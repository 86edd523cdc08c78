//go:build sonic

package protocol

import (
	"github.com/bytedance/sonic"
)

// for imroc/req
var jsonMarshal = sonic.Marshal
var jsonUnmarshal = sonic.Unmarshal
