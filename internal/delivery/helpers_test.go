package delivery

import (
	"strconv"

	"postpipe/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func itoa(n int) string { return strconv.Itoa(n) }
