// Package rpc implements the line-oriented JSON request/response protocol
// spoken with plugin processes over stdio.
//
// Each plugin gets one Channel. Requests are written as single lines of
// the form {"id","method","params"}; responses arrive as {"id","result"}
// or {"id","error"} in any order and are matched strictly by correlation
// id. Anything else on the output stream is treated as incidental plugin
// logging and ignored.
package rpc
