package configs

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// StoreEnv picks the storage backend for tests and benchmarks from the
// environment, defaulting to the in-process store. DTX_MONGO / DTX_POSTGRES
// override the endpoints when set.
func StoreEnv() string {
	if link := os.Getenv("DTX_MONGO"); link != "" {
		MongoDBLink = link
	}
	if link := os.Getenv("DTX_POSTGRES"); link != "" {
		PostgresLink = link
	}
	switch os.Getenv("DTX_STORE") {
	case MongoDB:
		return MongoDB
	case PostgreSQL:
		return PostgreSQL
	default:
		return MemStorage
	}
}

func TxnPrint(xid string, format string, a ...interface{}) {
	if ShowDebugInfo {
		if !LogToFile {
			fmt.Printf(time.Now().Format("15:04:05.00")+" <---> "+"TXN"+xid+":"+format+"\n", a...)
		} else {
			log.Printf(time.Now().Format("15:04:05.00")+" <---> "+"TXN"+xid+":"+format+"\n", a...)
		}
	}
}

func DPrintf(format string, a ...interface{}) {
	if ShowDebugInfo {
		if !LogToFile {
			fmt.Printf(time.Now().Format("15:04:05.00")+" <---> "+format+"\n", a...)
		} else {
			log.Printf(time.Now().Format("15:04:05.00")+" <---> "+format+"\n", a...)
		}
	}
}

func TPrintf(format string, a ...interface{}) {
	if ShowTestInfo {
		if !LogToFile {
			fmt.Printf(time.Now().Format("15:04:05.00")+" <---> "+format+"\n", a...)
		} else {
			log.Printf(time.Now().Format("15:04:05.00")+" <---> "+format+"\n", a...)
		}
	}
}

func JPrint(v interface{}) {
	byt, _ := json.Marshal(v)
	fmt.Println(string(byt))
}

func Assert(expression bool, errorInfo string) {
	if !expression {
		panic(errorInfo)
	}
}

func Warn(expression bool, format string, a ...interface{}) {
	if !expression && ShowWarnings {
		log.Printf("WARN: "+format+"\n", a...)
	}
}
