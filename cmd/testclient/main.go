// testclient exercises a running broker end to end: it attaches a viewer on
// /browser and a producer on /pi, streams synthetic binary frames on the
// producer uplink, and prints everything the viewer receives.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/n0remac/robot-relay/protocol"
)

func main() {
	server := flag.String("server", "ws://localhost:5000", "broker base URL")
	frames := flag.Int("frames", 30, "number of frames to send")
	fps := flag.Int("fps", 10, "frame rate")
	depth := flag.Bool("depth", false, "include a synthetic depth blob")
	flag.Parse()

	viewer, _, err := websocket.DefaultDialer.Dial(*server+"/browser", nil)
	if err != nil {
		log.Fatalf("dial viewer: %v", err)
	}
	defer viewer.Close()

	producer, _, err := websocket.DefaultDialer.Dial(*server+"/pi", nil)
	if err != nil {
		log.Fatalf("dial producer: %v", err)
	}
	defer producer.Close()

	hello := []byte(`{"type":"hello","hostname":"testclient","client_info":{"supports_binary":true}}`)
	if err := producer.WriteMessage(websocket.TextMessage, hello); err != nil {
		log.Fatalf("hello: %v", err)
	}

	go func() {
		for {
			_, data, err := viewer.ReadMessage()
			if err != nil {
				log.Printf("viewer read: %v", err)
				return
			}
			msgType := gjson.GetBytes(data, "type").String()
			switch msgType {
			case protocol.TypeFrame:
				log.Printf("viewer: frame %d (%d bytes)",
					gjson.GetBytes(data, "frame_id").Uint(), len(data))
			default:
				log.Printf("viewer: %s", data)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Tiny valid-prefix JPEG stand-in; the broker never decodes pixels.
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()
	for i := 0; i < *frames; i++ {
		select {
		case <-sigCh:
			log.Println("interrupted")
			return
		case <-ticker.C:
		}

		bf := &protocol.BinaryFrame{
			FrameID:   uint32(i + 1),
			Timestamp: float32(time.Now().Unix() % 100000),
			Color:     jpeg,
			HasColor:  true,
		}
		if *depth {
			bf.HasDepth = true
			bf.Depth = make([]byte, 64)
			bf.DepthScale = protocol.DefaultDepthScale
		}
		if err := producer.WriteMessage(websocket.BinaryMessage, protocol.EncodeBinaryFrame(bf)); err != nil {
			log.Fatalf("send frame: %v", err)
		}
	}

	// Give the viewer a moment to drain the last fan-out.
	time.Sleep(500 * time.Millisecond)
	log.Printf("sent %d frames", *frames)
}
