//go:build wasip1

// Line-oriented guest for exercising the session protocol without a real
// language runtime.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o guest.wasm guest.go
//
// Each line of submitted code is one statement:
//
//	print <text>        write text to stdout
//	eprint <text>       write text to stderr
//	set <name> <value>  bind a global
//	get <name>          print a global, failing if unbound
//	fail <message>      raise an error
//	call <fn> <json>    call a host function and print its result
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	stdin   = bufio.NewScanner(os.Stdin)
	globals = map[string]string{}
	callID  int
)

func main() {
	stdin.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	fmt.Fprint(os.Stderr, "\x00WARM_READY\x00")

	for stdin.Scan() {
		var cmd struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(stdin.Bytes(), &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case "exit":
			return
		case "exec":
			if err := run(cmd.Code); err != nil {
				fmt.Fprintf(os.Stderr, "\x00WARM_ERROR:Traceback:\n  <exec>\n%s\x00", err)
				continue
			}
			fmt.Fprint(os.Stderr, "\x00WARM_DONE\x00")
		}
	}
}

func run(code string) error {
	for n, line := range strings.Split(code, "\n") {
		op, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch op {
		case "":
		case "print":
			fmt.Println(rest)
		case "eprint":
			fmt.Fprintln(os.Stderr, rest)
		case "set":
			name, value, _ := strings.Cut(rest, " ")
			globals[name] = value
		case "get":
			v, ok := globals[rest]
			if !ok {
				return fmt.Errorf("NameError: name '%s' is not defined", rest)
			}
			fmt.Println(v)
		case "fail":
			return fmt.Errorf("RuntimeError: %s", rest)
		case "call":
			fn, args, _ := strings.Cut(rest, " ")
			out, err := call(fn, args)
			if err != nil {
				return err
			}
			fmt.Println(out)
		default:
			return fmt.Errorf("SyntaxError: line %d: unknown statement %q", n+1, op)
		}
	}
	return nil
}

func call(fn, rawArgs string) (string, error) {
	if rawArgs == "" {
		rawArgs = "{}"
	}
	callID++
	id := strconv.Itoa(callID)
	req, _ := json.Marshal(map[string]any{"id": id, "fn": fn, "args": json.RawMessage(rawArgs)})
	fmt.Fprintf(os.Stderr, "\x00WARM_CALL:%s\x00", req)

	if !stdin.Scan() {
		return "", fmt.Errorf("HostError: no response for %s", fn)
	}
	var resp struct {
		ID    string          `json:"id"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(stdin.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("HostError: %v", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("HostError: %s", resp.Error)
	}
	return string(resp.Data), nil
}
