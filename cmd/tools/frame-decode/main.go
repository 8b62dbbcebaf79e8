// Command frame-decode runs captured serial traffic through the frame
// decoder and prints every validated frame. Input is hex, either as
// arguments or on stdin:
//
//	frame-decode FD 00 05 02 01 00 72 01 7B F8
//	xxd -p capture.bin | frame-decode
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/evobot-data/armlink/internal/protocol"
)

func main() {
	flag.Parse()

	var input string
	if flag.NArg() > 0 {
		input = strings.Join(flag.Args(), "")
	} else {
		scan := bufio.NewScanner(os.Stdin)
		var sb strings.Builder
		for scan.Scan() {
			sb.WriteString(scan.Text())
		}
		if err := scan.Err(); err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		input = sb.String()
	}

	raw, err := hex.DecodeString(strings.Join(strings.Fields(input), ""))
	if err != nil {
		log.Fatalf("bad hex input: %v", err)
	}

	dec := protocol.NewDecoder()
	frames := dec.Feed(raw)
	for i, f := range frames {
		fmt.Printf("frame %d: type=%v axis=%v payload=% X\n", i, f.Type, f.Axis, f.Payload)
		if f.Type.IsStatus() {
			report, err := protocol.ParseStatus(f)
			if err != nil {
				fmt.Printf("  status: %v\n", err)
				continue
			}
			for _, j := range report.Joints {
				fmt.Printf("  joint %d: pos=%d vel=%d current=%dmA\n", j.Joint, j.Position, j.Velocity, j.Current)
			}
			fmt.Printf("  total current: %dmA\n", report.TotalCurrent)
		}
	}
	fmt.Printf("%d frame(s), %d resync error(s)\n", len(frames), dec.Errors())
}
